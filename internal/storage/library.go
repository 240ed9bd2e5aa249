package storage

import (
	"errors"

	"gorm.io/gorm"
)

// ErrTrackNotFound is returned when the library has no such track.
var ErrTrackNotFound = errors.New("track not found")

// GetTrack returns library metadata for one track.
func (s *Storage) GetTrack(id string) (*Track, error) {
	var t Track
	err := s.DB.First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTrackNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTrack upserts a track row. The library mirror calls this while
// syncing provider playlists.
func (s *Storage) SaveTrack(t *Track) error {
	return s.DB.Save(t).Error
}

// SaveAlbum upserts an album row.
func (s *Storage) SaveAlbum(a *Album) error {
	return s.DB.Save(a).Error
}

// ListAlbumTracks returns the track ids of an album from one source.
func (s *Storage) ListAlbumTracks(albumID, source string) ([]string, error) {
	var ids []string
	q := s.DB.Model(&Track{}).Where("album_id = ?", albumID)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	err := q.Order("id asc").Pluck("id", &ids).Error
	return ids, err
}
