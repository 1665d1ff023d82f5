package presence

import (
	"context"
	"time"

	"github.com/labstack/gommon/log"
)

// SyncAlarmName is the scheduler alarm driving the periodic cycle.
const SyncAlarmName = "keybeat-sync"

// cycleTimeout bounds one periodic cycle's network work so a stuck
// cycle cannot pile up behind the next wake-up.
const cycleTimeout = 25 * time.Second

// SyncCycle is the periodic handler: collect buffered probe counts,
// recompute the local score, persist the log, and publish the
// activity record. Every step's failure is logged and contained:
// local scoring keeps working with the network down, and one bad
// cycle never aborts future cycles.
func (s *service) SyncCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	if err := s.ensureInit(ctx); err != nil {
		log.Warnf("presence: init during sync failed (will retry): %v", err)
	}

	if err := s.scorer.Collect(); err != nil {
		log.Warnf("presence: collecting probe buckets: %v", err)
	}

	score := s.scorer.Score()

	if err := s.scorer.Persist(); err != nil {
		log.Warnf("presence: persisting rolling log: %v", err)
	}

	if err := s.publish(ctx, score); err != nil {
		log.Warnf("presence: publishing score: %v", err)
	}
}

// publish pushes the freshly computed score, unless the convergence
// rule defers to a more recent, more active record written by another
// device sharing this identity.
func (s *service) publish(ctx context.Context, score int) error {
	uid := s.creds.Identity()
	if uid == "" {
		return nil
	}

	stored, err := s.ownRecord(ctx)
	if err != nil {
		return err
	}
	if !s.scorer.ShouldPublish(stored, score) {
		log.Debugf("presence: deferring publish to a more active device")
		return nil
	}

	c5, c15, c30 := s.scorer.WindowCounts()
	return s.store.Merge(ctx, "users/"+uid, map[string]any{
		"score":      score,
		"keycount5":  c5,
		"keycount15": c15,
		"keycount30": c30,
		"updatedAt":  time.Now().UnixMilli(),
	})
}
