// Package presence is the engine root: it owns the scorer, the
// pairing coordinator and the streaming replica subscriptions, and
// serializes all state mutation behind one lock so callbacks from
// independently-scheduled tasks never race each other's state.
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/keybeat/keybeat/internal/boot"
	"github.com/keybeat/keybeat/internal/model"
	"github.com/keybeat/keybeat/internal/service/replica"
)

type Credentials interface {
	Token(ctx context.Context) (string, error)
	Identity() string
	Exportable() (identity, renewalToken string, err error)
	Adopt(ctx context.Context, identity, renewalToken string) error
}

type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Merge(ctx context.Context, path string, fields map[string]any) error
}

type Pairing interface {
	CreateKey(ctx context.Context, creatorID string) (string, error)
	Join(ctx context.Context, joinerID, key string) (creatorID string, err error)
	AcceptOffer(ctx context.Context, selfID, partnerID string) error
	Unpair(ctx context.Context, selfID, partnerID string) error
	AcknowledgeUnpair(ctx context.Context, selfID string) error
}

type Scorer interface {
	Restore() error
	Persist() error
	Collect() error
	BufferProbe(n int) error
	Score() int
	WindowCounts() (c5, c15, c30 int)
	ShouldPublish(stored *model.UserRecord, fresh int) bool
}

type service struct {
	config  *boot.Config
	creds   Credentials
	store   Store
	pairing Pairing
	scorer  Scorer

	// watch opens a streaming replica subscription; swapped out in
	// tests.
	watch func(path string, fn replica.Subscriber) (cancel func())

	mu            sync.Mutex
	initialized   bool
	restored      bool
	partnerID     string
	partnerScore  int
	inboxCancel   func()
	partnerCancel func()
}

func New(config *boot.Config, creds Credentials, store Store, streamer replica.Streamer, pairing Pairing, scorer Scorer) *service {
	s := &service{
		config:  config,
		creds:   creds,
		store:   store,
		pairing: pairing,
		scorer:  scorer,
	}
	s.watch = func(path string, fn replica.Subscriber) func() {
		return replica.Watch(streamer, path, fn)
	}
	return s
}

// Init brings the engine online: restore the rolling log,
// authenticate, adopt a persisted partner, and start the inbox watch.
// Failures leave the engine uninitialized; the next cycle retries.
func (s *service) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	restored := s.restored
	s.mu.Unlock()

	if !restored {
		if err := s.scorer.Restore(); err != nil {
			return fmt.Errorf("restoring rolling log: %w", err)
		}
		s.mu.Lock()
		s.restored = true
		s.mu.Unlock()
	}

	if _, err := s.creds.Token(ctx); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	uid := s.creds.Identity()
	if uid == "" {
		return model.ErrorNoIdentity
	}

	record, err := s.ownRecord(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	if record != nil && record.PartnerID != "" {
		s.partnerID = record.PartnerID
		s.watchPartnerLocked(record.PartnerID)
	}
	s.watchInboxLocked(uid)
	s.initialized = true
	s.mu.Unlock()

	log.Infof("presence: initialized as %s", uid)
	return nil
}

func (s *service) ensureInit(ctx context.Context) error {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if initialized {
		return nil
	}
	return s.Init(ctx)
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func (s *service) ownRecord(ctx context.Context) (*model.UserRecord, error) {
	uid := s.creds.Identity()
	if uid == "" {
		return nil, model.ErrorNoIdentity
	}
	raw, err := s.store.Get(ctx, "users/"+uid)
	if err != nil {
		return nil, fmt.Errorf("reading own record: %w", err)
	}
	if isNull(raw) {
		return nil, nil
	}
	record := &model.UserRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("decoding own record: %w", err)
	}
	return record, nil
}

// Status answers GET_STATUS: always usable local state, enriched with
// remote state on a best-effort, time-boxed basis.
func (s *service) Status(ctx context.Context) model.Status {
	initCtx, cancel := context.WithTimeout(ctx, s.config.InitTimeout)
	if err := s.ensureInit(initCtx); err != nil {
		log.Warnf("presence: init during status failed: %v", err)
	}
	cancel()

	if err := s.scorer.Collect(); err != nil {
		log.Warnf("presence: collecting probe buckets: %v", err)
	}
	score := s.scorer.Score()
	c5, _, _ := s.scorer.WindowCounts()

	s.mu.Lock()
	partnerID := s.partnerID
	partnerScore := s.partnerScore
	s.mu.Unlock()

	if partnerID != "" {
		readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		raw, err := s.store.Get(readCtx, "users/"+partnerID)
		cancel()
		if err == nil {
			record := model.UserRecord{}
			if !isNull(raw) && json.Unmarshal(raw, &record) == nil {
				partnerScore = record.Score
				s.mu.Lock()
				s.partnerScore = partnerScore
				s.mu.Unlock()
			}
		}
	}

	display := score
	if partnerID != "" {
		display = partnerScore
	}
	band := model.BandForScore(display)

	return model.Status{
		Identity:       s.creds.Identity(),
		MyScore:        score,
		PartnerScore:   partnerScore,
		PartnerID:      partnerID,
		RecentKeyCount: c5,
		Band:           band.Label,
		Color:          band.Color,
	}
}

// ReportKeys buffers a probe bucket of n key events for the next
// collection pass.
func (s *service) ReportKeys(n int) error {
	return s.scorer.BufferProbe(n)
}

// Close stops all replica subscriptions.
func (s *service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inboxCancel != nil {
		s.inboxCancel()
		s.inboxCancel = nil
	}
	if s.partnerCancel != nil {
		s.partnerCancel()
		s.partnerCancel = nil
	}
}
