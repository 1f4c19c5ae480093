package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shellbox-dev/shellbox/internal/config"
	"github.com/shellbox-dev/shellbox/internal/database"
	"github.com/shellbox-dev/shellbox/internal/sandbox"
	"github.com/shellbox-dev/shellbox/internal/session"
)

const defaultReaperMinAge = 10 * time.Minute

// startReaper schedules the maintenance sweep: destroying managed
// sandboxes no live session owns, and purging audit records past the
// retention window. The returned scheduler is stopped on shutdown.
func startReaper(ctx context.Context, registry *session.Registry) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(config.Cfg.ReaperSchedule, func() {
		reapOrphanSandboxes(ctx, registry)
		purgeExpiredRecords()
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", config.Cfg.ReaperSchedule, err)
	}
	c.Start()
	log.Printf("Maintenance sweep scheduled (%s)", config.Cfg.ReaperSchedule)
	return c, nil
}

// reapOrphanSandboxes destroys managed sandboxes that no registered
// session owns. Sandboxes younger than the minimum age are skipped so a
// sandbox still being provisioned is never swept out from under the
// session that is about to claim it. Attached sandboxes never carry the
// management label, so List never reports them and the sweep cannot
// touch them.
func reapOrphanSandboxes(ctx context.Context, registry *session.Registry) {
	provider := sandbox.Get()
	if provider == nil {
		return
	}

	minAge, err := time.ParseDuration(config.Cfg.ReaperMinAge)
	if err != nil {
		minAge = defaultReaperMinAge
	}

	handles, err := provider.List(ctx)
	if err != nil {
		log.Printf("WARNING: reaper: list sandboxes: %v", err)
		return
	}

	owned := make(map[string]bool)
	for _, m := range registry.List() {
		if name := m.Info().SandboxName; name != "" {
			owned[name] = true
		}
	}

	for i := range handles {
		h := handles[i]
		if owned[h.Name] {
			continue
		}
		if !h.CreatedAt.IsZero() && time.Since(h.CreatedAt) < minAge {
			continue
		}
		if err := provider.Destroy(ctx, &h); err != nil {
			log.Printf("WARNING: reaper: destroy %s: %v", h.Name, err)
			continue
		}
		log.Printf("Reaped orphan sandbox %s", h.Name)
	}
}

// purgeExpiredRecords deletes ended audit records older than the
// retention window.
func purgeExpiredRecords() {
	retention, err := time.ParseDuration(config.Cfg.SessionRetention)
	if err != nil || retention <= 0 {
		return
	}
	n, err := database.PurgeSessionRecords(time.Now().Add(-retention))
	if err != nil {
		log.Printf("WARNING: reaper: purge session records: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Purged %d session record(s) older than %s", n, retention)
	}
}
