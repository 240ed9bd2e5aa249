// Package library holds the engine's collaborators on the media
// library side: track metadata lookup, the finished-file importer and
// the free-disk guard.
package library

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

// Importer moves completed downloads into the music library, laid out
// as Artist/Album/filename under the configured root.
type Importer struct{}

func NewImporter() *Importer {
	return &Importer{}
}

// Import moves srcPath into root/Artist/Album/ and returns the final
// path. Name collisions get a numeric suffix instead of overwriting.
func (im *Importer) Import(root string, track *storage.Track, srcPath string) (string, error) {
	artist := sanitizeComponent(track.Artist)
	album := sanitizeComponent(track.Album)
	if artist == "" {
		artist = "Unknown Artist"
	}
	if album == "" {
		album = "Unknown Album"
	}

	targetDir := filepath.Join(root, artist, album)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create library dir: %w", err)
	}

	targetPath := filepath.Join(targetDir, filepath.Base(srcPath))
	targetPath = findAvailablePath(targetPath)

	if err := os.Rename(srcPath, targetPath); err != nil {
		return "", fmt.Errorf("failed to move file into library: %w", err)
	}
	return targetPath, nil
}

// sanitizeComponent strips characters that are unsafe in directory
// names across platforms.
func sanitizeComponent(name string) string {
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-", "*", "",
		"?", "", "\"", "'", "<", "(", ">", ")", "|", "-",
	)
	return strings.Trim(replacer.Replace(name), ". ")
}

func findAvailablePath(basePath string) string {
	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		return basePath
	}
	ext := filepath.Ext(basePath)
	dir := filepath.Dir(basePath)
	nameOnly := strings.TrimSuffix(filepath.Base(basePath), ext)

	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", nameOnly, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", nameOnly, 9999, ext))
}
