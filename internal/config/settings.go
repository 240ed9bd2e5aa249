package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

// Settings keys. All tunables live in the app_settings table and are
// re-read at the top of every worker tick, so changes apply live.
const (
	KeyMaxConcurrent        = "download.max_concurrent"
	KeyMaxConcurrentPerPeer = "download.max_concurrent_per_peer"
	KeyMaxQueueSize         = "download.max_queue_size"
	KeyMaxRetries           = "download.max_retries"
	KeySyncInterval         = "download.sync_interval_ms"
	KeyDispatchInterval     = "download.dispatch_interval_ms"
	KeyRetryInterval        = "download.retry_interval_ms"
	KeyBreakerThreshold     = "download.breaker_failure_threshold"
	KeyBreakerRecovery      = "download.breaker_recovery_ms"
	KeyRetryBackoff         = "download.retry_backoff_ms"
	KeyAutoImport           = "download.auto_import"
	KeyRetentionDays        = "download.retention_days"
	KeyLockTimeout          = "download.lock_timeout_ms"
	KeyMinFreeBytes         = "download.min_free_bytes"

	KeySlskdURL    = "slskd.base_url"
	KeySlskdAPIKey = "slskd.api_key"
	KeySlskdRPS    = "slskd.max_requests_per_sec"

	KeyMusicRoot = "library.music_root"

	KeyQualityFormats         = "quality.preferred_formats"
	KeyQualityMinBitrate      = "quality.min_bitrate_kbps"
	KeyQualityMaxBitrate      = "quality.max_bitrate_kbps"
	KeyQualityMinSizeMB       = "quality.min_size_mb"
	KeyQualityMaxSizeMB       = "quality.max_size_mb"
	KeyQualityExcludeKeywords = "quality.exclude_keywords"
	KeyQualityAllowLossy      = "quality.allow_lossy"
	KeyQualityPreferLossless  = "quality.prefer_lossless"
)

// Manager reads tunables from the settings store with hard defaults.
type Manager struct {
	storage *storage.Storage
}

func NewManager(s *storage.Storage) *Manager {
	return &Manager{storage: s}
}

func (c *Manager) getInt(key string, def int) int {
	valStr, err := c.storage.GetString(key)
	if err != nil || valStr == "" {
		return def
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return def
	}
	return val
}

func (c *Manager) getBool(key string, def bool) bool {
	val, err := c.storage.GetString(key)
	if err != nil || val == "" {
		return def
	}
	return val == "true"
}

func (c *Manager) getDurationMS(key string, def time.Duration) time.Duration {
	ms := c.getInt(key, -1)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Manager) SetInt(key string, val int) error {
	return c.storage.SetString(key, strconv.Itoa(val))
}

func (c *Manager) SetString(key, val string) error {
	return c.storage.SetString(key, val)
}

func (c *Manager) GetString(key string) string {
	val, _ := c.storage.GetString(key)
	return val
}

func (c *Manager) MaxConcurrent() int {
	n := c.getInt(KeyMaxConcurrent, 3)
	if n < 1 {
		n = 1
	}
	return n
}

func (c *Manager) MaxConcurrentPerPeer() int {
	n := c.getInt(KeyMaxConcurrentPerPeer, 1)
	if n < 1 {
		n = 1
	}
	return n
}

func (c *Manager) MaxQueueSize() int {
	return c.getInt(KeyMaxQueueSize, 100)
}

// MaxRetries is the per-download retry budget stamped onto new rows.
func (c *Manager) MaxRetries() int {
	n := c.getInt(KeyMaxRetries, 3)
	if n < 0 {
		return 0
	}
	return n
}

func (c *Manager) SyncInterval() time.Duration {
	return c.getDurationMS(KeySyncInterval, 5*time.Second)
}

func (c *Manager) DispatchInterval() time.Duration {
	return c.getDurationMS(KeyDispatchInterval, 2*time.Second)
}

func (c *Manager) RetryInterval() time.Duration {
	return c.getDurationMS(KeyRetryInterval, 15*time.Second)
}

func (c *Manager) BreakerFailureThreshold() int {
	n := c.getInt(KeyBreakerThreshold, 5)
	if n < 1 {
		n = 1
	}
	return n
}

func (c *Manager) BreakerRecovery() time.Duration {
	return c.getDurationMS(KeyBreakerRecovery, 60*time.Second)
}

// RetryBackoff returns the per-attempt backoff schedule. The i-th retry
// (1-indexed) waits schedule[min(i-1, len-1)].
func (c *Manager) RetryBackoff() []time.Duration {
	def := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	raw, err := c.storage.GetString(KeyRetryBackoff)
	if err != nil || raw == "" {
		return def
	}
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		ms, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || ms <= 0 {
			return def
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func (c *Manager) AutoImport() bool {
	return c.getBool(KeyAutoImport, true)
}

// RetentionDays returns the terminal-row retention window; 0 disables
// pruning.
func (c *Manager) RetentionDays() int {
	return c.getInt(KeyRetentionDays, 0)
}

func (c *Manager) LockTimeout() time.Duration {
	return c.getDurationMS(KeyLockTimeout, 5*time.Minute)
}

func (c *Manager) MinFreeBytes() int64 {
	return int64(c.getInt(KeyMinFreeBytes, 512*1024*1024))
}

func (c *Manager) SlskdURL() string {
	val, _ := c.storage.GetString(KeySlskdURL)
	if val == "" {
		return "http://localhost:5030"
	}
	// The client appends endpoint paths directly.
	return strings.TrimRight(val, "/")
}

func (c *Manager) SlskdAPIKey() string {
	val, _ := c.storage.GetString(KeySlskdAPIKey)
	return val
}

func (c *Manager) SlskdRPS() int {
	n := c.getInt(KeySlskdRPS, 8)
	if n < 1 {
		n = 1
	}
	return n
}

func (c *Manager) MusicRoot() string {
	val, _ := c.storage.GetString(KeyMusicRoot)
	if val == "" {
		return "./music"
	}
	return val
}

func (c *Manager) QualityFormats() []string {
	list, err := c.storage.GetStringList(KeyQualityFormats)
	if err != nil || len(list) == 0 {
		return []string{"flac", "mp3", "ogg", "m4a"}
	}
	return list
}

func (c *Manager) QualityMinBitrate() int {
	return c.getInt(KeyQualityMinBitrate, 0)
}

func (c *Manager) QualityMaxBitrate() int {
	return c.getInt(KeyQualityMaxBitrate, 0)
}

func (c *Manager) QualityMinSizeMB() int {
	return c.getInt(KeyQualityMinSizeMB, 0)
}

func (c *Manager) QualityMaxSizeMB() int {
	return c.getInt(KeyQualityMaxSizeMB, 0)
}

func (c *Manager) QualityExcludeKeywords() []string {
	list, _ := c.storage.GetStringList(KeyQualityExcludeKeywords)
	return list
}

func (c *Manager) QualityAllowLossy() bool {
	return c.getBool(KeyQualityAllowLossy, true)
}

func (c *Manager) QualityPreferLossless() bool {
	return c.getBool(KeyQualityPreferLossless, true)
}
