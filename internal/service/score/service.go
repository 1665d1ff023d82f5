// Package score converts raw key-event counts into a normalized
// freeness score over three overlapping time windows. Higher recent
// activity produces a lower score.
package score

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/keybeat/keybeat/internal/model"
)

const Window5m = 5 * time.Minute
const Window15m = 15 * time.Minute
const Window30m = 30 * time.Minute

// weights for the exclusive (non-overlapping) window counts
const weight5m = 0.6
const weight15m = 0.3
const weight30m = 0.1

// maxRaw tunes the scale so normal work intensity lands around 40-70.
const maxRaw = 200.0

const logStorageKey = "recentKeys"

// ProbeKeyPrefix marks locally-buffered key-count buckets written by
// per-page probes, drained into the rolling log by Collect.
const ProbeKeyPrefix = "kb_"

// staleAfter bounds how old a stored record may be and still suppress
// a publish under the convergence rule.
const staleAfter = 2 * time.Minute

type KV interface {
	Get(keys ...string) (map[string]string, error)
	Set(values map[string]string) error
	Remove(keys ...string) error
	GetAll() (map[string]string, error)
}

// Bucket is one rolling-window log entry.
type Bucket struct {
	TS    int64 `json:"ts"` // unix milliseconds
	Count int   `json:"count"`
}

type service struct {
	store KV
	log   []Bucket
	now   func() time.Time
}

func New(store KV) *service {
	return &service{store: store, now: time.Now}
}

// Restore loads the persisted rolling log. Must run before the first
// score computation; entries outside the largest window are dropped.
func (s *service) Restore() error {
	values, err := s.store.Get(logStorageKey)
	if err != nil {
		return fmt.Errorf("loading rolling log: %w", err)
	}
	raw, ok := values[logStorageKey]
	if !ok {
		return nil
	}
	restored := []Bucket{}
	if err := json.Unmarshal([]byte(raw), &restored); err != nil {
		return fmt.Errorf("decoding rolling log: %w", err)
	}
	s.log = restored
	s.prune()
	return nil
}

// Persist writes the rolling log back to local storage.
func (s *service) Persist() error {
	raw, err := json.Marshal(s.log)
	if err != nil {
		return fmt.Errorf("encoding rolling log: %w", err)
	}
	if err := s.store.Set(map[string]string{logStorageKey: string(raw)}); err != nil {
		return fmt.Errorf("persisting rolling log: %w", err)
	}
	return nil
}

// RecordKeys appends a bucket of n key events observed now.
func (s *service) RecordKeys(n int) {
	if n <= 0 {
		return
	}
	s.log = append(s.log, Bucket{TS: s.now().UnixMilli(), Count: n})
}

// BufferProbe stores a probe bucket the way an external key-counting
// probe would, to be drained by the next Collect. Probes and the
// daemon share only the local store, never memory.
func (s *service) BufferProbe(n int) error {
	if n <= 0 {
		return nil
	}
	raw, err := json.Marshal(Bucket{TS: s.now().UnixMilli(), Count: n})
	if err != nil {
		return fmt.Errorf("encoding probe bucket: %w", err)
	}
	key := fmt.Sprintf("%s%d_%s", ProbeKeyPrefix, s.now().UnixMilli(), model.CreateID())
	if err := s.store.Set(map[string]string{key: string(raw)}); err != nil {
		return fmt.Errorf("buffering probe bucket: %w", err)
	}
	return nil
}

// Collect drains probe buckets from local storage into the rolling
// log and removes the drained keys.
func (s *service) Collect() error {
	values, err := s.store.GetAll()
	if err != nil {
		return fmt.Errorf("listing probe buckets: %w", err)
	}
	drained := []string{}
	for key, raw := range values {
		if !strings.HasPrefix(key, ProbeKeyPrefix) {
			continue
		}
		bucket := Bucket{}
		if err := json.Unmarshal([]byte(raw), &bucket); err != nil || bucket.TS == 0 || bucket.Count == 0 {
			// Unreadable probes are dropped, not retried forever.
			drained = append(drained, key)
			continue
		}
		s.log = append(s.log, bucket)
		drained = append(drained, key)
	}
	if len(drained) == 0 {
		return nil
	}
	if err := s.store.Remove(drained...); err != nil {
		return fmt.Errorf("removing drained probe buckets: %w", err)
	}
	return nil
}

func (s *service) prune() {
	cutoff := s.now().Add(-Window30m).UnixMilli()
	kept := s.log[:0]
	for _, b := range s.log {
		if b.TS >= cutoff {
			kept = append(kept, b)
		}
	}
	s.log = kept
}

func (s *service) windowCount(window time.Duration) int {
	cutoff := s.now().Add(-window).UnixMilli()
	total := 0
	for _, b := range s.log {
		if b.TS >= cutoff {
			total += b.Count
		}
	}
	return total
}

// WindowCounts returns the cumulative 5, 15 and 30 minute counts.
func (s *service) WindowCounts() (c5, c15, c30 int) {
	s.prune()
	return s.windowCount(Window5m), s.windowCount(Window15m), s.windowCount(Window30m)
}

// Score prunes the log and computes the freeness score: exclusive
// window counts weighted 0.6/0.3/0.1, mapped inversely onto 0..100.
// An empty log scores 100 (fully free).
func (s *service) Score() int {
	c5, c15, c30 := s.WindowCounts()

	only5 := float64(c5)
	only15 := float64(c15 - c5)
	only30 := float64(c30 - c15)

	raw := only5*weight5m + only15*weight15m + only30*weight30m
	return 100 - int(math.Min(100, math.Round(raw/maxRaw*100)))
}

// ShouldPublish is the multi-writer convergence rule: skip the write
// when the stored record was updated within the last two minutes and
// reports a strictly lower score, meaning a fresher, more-active
// device owns the record for now. The rule assumes roughly-synchronized clocks; a
// device with a fast clock can suppress slower peers indefinitely.
func (s *service) ShouldPublish(stored *model.UserRecord, fresh int) bool {
	if stored == nil || stored.UpdatedAt == 0 {
		return true
	}
	age := s.now().Sub(time.UnixMilli(stored.UpdatedAt))
	if age < staleAfter && stored.Score < fresh {
		return false
	}
	return true
}
