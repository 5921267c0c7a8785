package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gluk-w/natmap-sync/internal/database"
	"github.com/gluk-w/natmap-sync/internal/hub"
	"github.com/gluk-w/natmap-sync/internal/logging"
	"github.com/robfig/cron/v3"
)

// newScheduler registers the maintenance jobs: subscriber pings every
// pingInterval (0 disables) and a WAL checkpoint on checkpointSpec (empty
// disables).
func newScheduler(ctx context.Context, h *hub.Hub, store *database.Store, pingInterval time.Duration, checkpointSpec string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if pingInterval > 0 {
		c.Schedule(cron.Every(pingInterval), cron.FuncJob(func() {
			if n := h.Ping(ctx); n > 0 {
				logging.Infof("[scheduler] pruned %d unresponsive subscriber(s)", n)
			}
		}))
	}

	if checkpointSpec != "" {
		_, err := c.AddFunc(checkpointSpec, func() {
			if err := store.Checkpoint(ctx); err != nil {
				logging.Warnf("[scheduler] checkpoint: %v", err)
				return
			}
			logging.Debugf("[scheduler] WAL checkpoint done")
		})
		if err != nil {
			return nil, fmt.Errorf("checkpoint schedule %q: %w", checkpointSpec, err)
		}
	}
	return c, nil
}
