package engine

import (
	"time"

	"github.com/robfig/cron/v3"
)

// startJanitor schedules the hourly housekeeping pass: expired
// blocklist entries are purged and, when retention is configured,
// terminal rows past the window are pruned.
func (e *Engine) startJanitor() *cron.Cron {
	c := cron.New()
	if _, err := c.AddFunc("@hourly", e.runJanitor); err != nil {
		e.logger.Error("janitor schedule failed", "error", err)
	}
	c.Start()
	return c
}

func (e *Engine) runJanitor() {
	now := time.Now().UTC()

	if n, err := e.store.PurgeExpired(now); err != nil {
		e.logger.Error("blocklist purge failed", "error", err)
	} else if n > 0 {
		e.logger.Info("purged expired blocklist entries", "count", n)
	}

	days := e.cfg.RetentionDays()
	if days <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -days)
	if n, err := e.store.PruneTerminal(cutoff); err != nil {
		e.logger.Error("retention prune failed", "error", err)
	} else if n > 0 {
		e.logger.Info("pruned terminal downloads", "count", n, "older_than_days", days)
	}
}
