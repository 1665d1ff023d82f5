package presence

import (
	"context"
	"fmt"

	"github.com/labstack/gommon/log"

	"github.com/keybeat/keybeat/internal/model"
)

// CreatePairKey creates a single-use invitation owned by this
// identity.
func (s *service) CreatePairKey(ctx context.Context) (string, error) {
	if err := s.ensureInit(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	paired := s.partnerID != ""
	s.mu.Unlock()
	if paired {
		return "", model.ErrorAlreadyPaired
	}
	return s.pairing.CreateKey(ctx, s.creds.Identity())
}

// JoinPair claims the invitation and starts watching the new partner.
// A lost claim race surfaces as model.ErrorPairKeyClaimed and is not
// retried.
func (s *service) JoinPair(ctx context.Context, key string) (string, error) {
	if err := s.ensureInit(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	paired := s.partnerID != ""
	s.mu.Unlock()
	if paired {
		return "", model.ErrorAlreadyPaired
	}

	creatorID, err := s.pairing.Join(ctx, s.creds.Identity(), key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.partnerID = creatorID
	s.watchPartnerLocked(creatorID)
	s.mu.Unlock()

	log.Infof("presence: joined %s", creatorID)
	return creatorID, nil
}

// Unpair severs the pairing from this side and notifies the
// ex-partner's inbox. Unpairing while unpaired is a no-op.
func (s *service) Unpair(ctx context.Context) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	partnerID := s.partnerID
	if partnerID == "" {
		s.mu.Unlock()
		return nil
	}
	s.partnerID = ""
	s.partnerScore = 0
	if s.partnerCancel != nil {
		s.partnerCancel()
		s.partnerCancel = nil
	}
	s.mu.Unlock()

	if err := s.pairing.Unpair(ctx, s.creds.Identity(), partnerID); err != nil {
		return fmt.Errorf("unpairing from %s: %w", partnerID, err)
	}
	return nil
}
