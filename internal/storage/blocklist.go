package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlockPeerFile records a block for one file on one peer. Pass an empty
// filename to block the whole peer.
func (s *Storage) BlockPeerFile(peer, filename, reason string, expiresAt *time.Time) error {
	entry := BlocklistEntry{
		Peer:         peer,
		Filename:     filename,
		Reason:       reason,
		FailureCount: 1,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    expiresAt,
	}
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "peer"}, {Name: "filename"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"reason":        reason,
			"failure_count": gorm.Expr("failure_count + 1"),
		}),
	}).Create(&entry).Error
}

// IncrementFailure bumps the failure counter for an existing entry, or
// creates one with reason "repeated transfer failure".
func (s *Storage) IncrementFailure(peer, filename string) error {
	return s.BlockPeerFile(peer, filename, "repeated transfer failure", nil)
}

// IsBlocked reports whether a peer/file pair matches an unexpired
// blocklist entry. A peer-wide entry (empty filename) matches every
// file from that peer. Expired entries are ignored but not deleted.
func (s *Storage) IsBlocked(peer, filename string, now time.Time) (bool, error) {
	var n int64
	err := s.DB.Model(&BlocklistEntry{}).
		Where("peer = ?", peer).
		Where("filename = '' OR filename = ?", filename).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Count(&n).Error
	return n > 0, err
}

// PurgeExpired deletes entries whose expiry has passed.
func (s *Storage) PurgeExpired(now time.Time) (int64, error) {
	res := s.DB.
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&BlocklistEntry{})
	return res.RowsAffected, res.Error
}

// ListBlocklist returns all entries, newest first.
func (s *Storage) ListBlocklist(limit int) ([]BlocklistEntry, error) {
	var entries []BlocklistEntry
	q := s.DB.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}
