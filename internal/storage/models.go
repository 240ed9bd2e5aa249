package storage

import (
	"time"
)

// Download statuses. Persisted as plain strings so rows stay readable
// with any sqlite tool.
const (
	StatusWaiting     = "WAITING"
	StatusPending     = "PENDING"
	StatusQueued      = "QUEUED"
	StatusDownloading = "DOWNLOADING"
	StatusCompleted   = "COMPLETED"
	StatusFailed      = "FAILED"
	StatusCancelled   = "CANCELLED"
	StatusScheduled   = "SCHEDULED"
)

// Error codes persisted in last_error_code.
const (
	CodeTimeout               = "TIMEOUT"
	CodeNetworkError          = "NETWORK_ERROR"
	CodeRateLimited           = "RATE_LIMITED"
	CodeDownloaderUnavailable = "DOWNLOADER_UNAVAILABLE"
	CodeLostByDownloader      = "LOST_BY_DOWNLOADER"
	CodeTransferRejected      = "TRANSFER_REJECTED"
	CodeTransferFailed        = "TRANSFER_FAILED"
	CodeFileNotFound          = "FILE_NOT_FOUND"
	CodePeerBlockedUs         = "PEER_BLOCKED_US"
	CodeInvalidFile           = "INVALID_FILE"
	CodeNoResults             = "NO_RESULTS"
)

// ActiveStatuses are the states counted against download.max_concurrent.
var ActiveStatuses = []string{StatusPending, StatusQueued, StatusDownloading}

// NonTerminalStatuses count against download.max_queue_size. FAILED is
// included: a failed row can still be retried.
var NonTerminalStatuses = []string{
	StatusWaiting, StatusPending, StatusQueued,
	StatusDownloading, StatusFailed, StatusScheduled,
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// RetryableCode reports whether a failure code may be retried at all.
// NO_RESULTS stays retryable until the retry budget runs out; the
// scheduler checks the budget separately.
func RetryableCode(code string) bool {
	switch code {
	case CodeTimeout, CodeNetworkError, CodeRateLimited,
		CodeDownloaderUnavailable, CodeLostByDownloader,
		CodeTransferRejected, CodeTransferFailed, CodeNoResults:
		return true
	}
	return false
}

// AlternativeCode reports whether a failure means "try a different
// candidate now" rather than "wait out a backoff window".
func AlternativeCode(code string) bool {
	return code == CodeTransferRejected || code == CodeTransferFailed
}

// PausedSentinel marks a SCHEDULED row as user-paused rather than
// scheduled for a real future start.
var PausedSentinel = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Candidate is the peer file selected by the quality scorer, flattened
// into the downloads table.
type Candidate struct {
	Peer        string `gorm:"column:candidate_peer;index" json:"peer"`
	Filename    string `gorm:"column:candidate_filename" json:"filename"`
	SizeBytes   int64  `gorm:"column:candidate_size_bytes" json:"size_bytes"`
	BitrateKbps int    `gorm:"column:candidate_bitrate_kbps" json:"bitrate_kbps"`
	Format      string `gorm:"column:candidate_format" json:"format"`
}

// Download is a single track materialization job.
type Download struct {
	ID      string `gorm:"primaryKey" json:"id"`
	TrackID string `gorm:"index;not null" json:"track_id"`

	Status        string `gorm:"index:idx_downloads_dispatch,priority:1" json:"status"`
	Priority      int    `gorm:"index:idx_downloads_dispatch,priority:2;default:0" json:"priority"`
	QueuePosition int    `gorm:"index:idx_downloads_dispatch,priority:3" json:"queue_position"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `gorm:"default:3" json:"max_retries"`
	NextRetryAt *time.Time `gorm:"index:idx_downloads_retry" json:"next_retry_at,omitempty"`

	LastErrorCode    string `json:"last_error_code,omitempty"`
	LastErrorMessage string `gorm:"size:2048" json:"last_error_message,omitempty"`

	ExternalRef string    `gorm:"index" json:"external_ref,omitempty"`
	Candidate   Candidate `gorm:"embedded" json:"candidate"`

	BytesDone  int64 `json:"bytes_done"`
	BytesTotal int64 `json:"bytes_total"`

	TargetPath string `json:"target_path,omitempty"`

	CreatedAt   time.Time  `gorm:"index:idx_downloads_dispatch,priority:4" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LockedBy string     `gorm:"index:idx_downloads_lock" json:"-"`
	LockedAt *time.Time `gorm:"index:idx_downloads_lock" json:"-"`

	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
}

func (Download) TableName() string {
	return "downloads"
}

// Paused reports whether the row carries the pause sentinel.
func (d *Download) Paused() bool {
	return d.Status == StatusScheduled &&
		d.ScheduledStart != nil && d.ScheduledStart.Equal(PausedSentinel)
}

// HasCandidate reports whether the dispatcher has selected a peer file.
func (d *Download) HasCandidate() bool {
	return d.Candidate.Peer != ""
}

// BlocklistEntry blocks a single file (filename set) or a whole peer
// (filename empty) from candidate selection.
type BlocklistEntry struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Peer         string     `gorm:"uniqueIndex:idx_blocklist_peer_file,priority:1;not null" json:"peer"`
	Filename     string     `gorm:"uniqueIndex:idx_blocklist_peer_file,priority:2" json:"filename,omitempty"`
	Reason       string     `json:"reason"`
	FailureCount int        `gorm:"default:0" json:"failure_count"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (BlocklistEntry) TableName() string {
	return "download_blocklist"
}

// Track is the library-side metadata the dispatcher searches by.
type Track struct {
	ID      string `gorm:"primaryKey" json:"id"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Album   string `json:"album"`
	AlbumID string `gorm:"index" json:"album_id,omitempty"`
	Source  string `gorm:"index" json:"source"` // spotify, deezer, local
}

func (Track) TableName() string {
	return "tracks"
}

// Album groups tracks for the bulk enqueue endpoint.
type Album struct {
	ID     string `gorm:"primaryKey" json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Source string `gorm:"index" json:"source"`
}

func (Album) TableName() string {
	return "albums"
}

// AppSetting stores key-value application settings.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string {
	return "app_settings"
}
