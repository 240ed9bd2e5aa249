// Package quality ranks search hits against the active quality profile.
package quality

import (
	"strings"

	"github.com/bozzfozz/soulspot-sub007/internal/slskd"
)

// Profile is the active quality configuration. Zero bounds mean
// unbounded.
type Profile struct {
	PreferredFormats []string
	MinBitrateKbps   int
	MaxBitrateKbps   int
	MinSizeMB        int
	MaxSizeMB        int
	ExcludeKeywords  []string
	AllowLossy       bool
	PreferLossless   bool
}

// DefaultProfile prefers lossless but accepts decent lossy encodes.
func DefaultProfile() Profile {
	return Profile{
		PreferredFormats: []string{"flac", "mp3", "ogg", "m4a"},
		AllowLossy:       true,
		PreferLossless:   true,
	}
}

var losslessFormats = map[string]bool{
	"flac": true,
	"alac": true,
	"wav":  true,
	"ape":  true,
	"aiff": true,
}

// IsLossless reports whether a format is a lossless codec.
func IsLossless(format string) bool {
	return losslessFormats[strings.ToLower(format)]
}

const maxScoredBitrate = 2000

// Evaluate scores one hit against the profile. isBlocked is the
// blocklist predicate; a nil predicate skips the check. Returns whether
// the hit is acceptable and its score (higher is better).
func Evaluate(hit slskd.Hit, p Profile, isBlocked func(peer, filename string) bool) (bool, int) {
	if isBlocked != nil && isBlocked(hit.Peer, hit.Filename) {
		return false, 0
	}

	format := hit.Format
	if format == "" {
		format = slskd.FormatOf(hit.Filename)
	}
	format = strings.ToLower(format)

	rank := formatRank(p.PreferredFormats, format)
	if rank < 0 {
		if !p.AllowLossy && !IsLossless(format) {
			return false, 0
		}
		// Unlisted but tolerated formats sort behind every preference.
		rank = len(p.PreferredFormats)
	}

	if p.MinBitrateKbps > 0 && hit.BitrateKbps > 0 && hit.BitrateKbps < p.MinBitrateKbps {
		return false, 0
	}
	if p.MaxBitrateKbps > 0 && hit.BitrateKbps > p.MaxBitrateKbps {
		return false, 0
	}

	sizeMB := hit.SizeBytes / (1024 * 1024)
	if p.MinSizeMB > 0 && sizeMB < int64(p.MinSizeMB) {
		return false, 0
	}
	if p.MaxSizeMB > 0 && sizeMB > int64(p.MaxSizeMB) {
		return false, 0
	}

	lowerName := strings.ToLower(hit.Filename)
	for _, kw := range p.ExcludeKeywords {
		if kw != "" && strings.Contains(lowerName, strings.ToLower(kw)) {
			return false, 0
		}
	}

	bitrate := hit.BitrateKbps
	if bitrate < 0 {
		bitrate = 0
	}
	if bitrate > maxScoredBitrate {
		bitrate = maxScoredBitrate
	}
	return true, -1000*rank + bitrate
}

// Rank sorts hits by descending score and returns the accepted ones in
// order. The dispatcher takes the first whose peer is under its cap.
func Rank(hits []slskd.Hit, p Profile, isBlocked func(peer, filename string) bool) []Scored {
	var accepted []Scored
	for _, h := range hits {
		if ok, score := Evaluate(h, p, isBlocked); ok {
			accepted = append(accepted, Scored{Hit: h, Score: score})
		}
	}
	// Insertion sort: result sets are small and mostly ordered.
	for i := 1; i < len(accepted); i++ {
		for j := i; j > 0 && accepted[j].Score > accepted[j-1].Score; j-- {
			accepted[j], accepted[j-1] = accepted[j-1], accepted[j]
		}
	}
	return accepted
}

// Scored pairs a hit with its quality score.
type Scored struct {
	Hit   slskd.Hit
	Score int
}

func formatRank(preferred []string, format string) int {
	for i, f := range preferred {
		if strings.EqualFold(f, format) {
			return i
		}
	}
	return -1
}
