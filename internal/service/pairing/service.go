// Package pairing implements the invitation and handshake protocol:
// single-use invitation keys claimed under optimistic concurrency,
// with the second half of the handshake delivered through the
// counterpart's pairing inbox.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/keybeat/keybeat/internal/model"
)

// keyAlphabet excludes visually-ambiguous characters (0/O, 1/I). Its
// length of 32 divides 256 evenly, so byte-mod sampling is unbiased.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var keyPattern = regexp.MustCompile(`^KB-[A-Z2-9]{4}-[A-Z2-9]{4}-[A-Z2-9]{4}$`)

type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	GetWithVersion(ctx context.Context, path string) (json.RawMessage, string, error)
	Merge(ctx context.Context, path string, fields map[string]any) error
	PutIfVersion(ctx context.Context, path string, doc any, version string) (bool, error)
}

type service struct {
	store Store
	now   func() time.Time
}

func New(store Store) *service {
	return &service{store: store, now: time.Now}
}

// GenerateKey produces an invitation token in grouped-block form,
// e.g. KB-7M2X-QRTD-W9KP.
func GenerateKey() (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	for i, b := range raw {
		raw[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return fmt.Sprintf("KB-%s-%s-%s", raw[0:4], raw[4:8], raw[8:12]), nil
}

func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// CreateKey writes a fresh unused invitation owned by creatorID and
// returns its token.
func (s *service) CreateKey(ctx context.Context, creatorID string) (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	err = s.store.Merge(ctx, "pairKeys/"+key, map[string]any{
		"creatorId": creatorID,
		"createdAt": s.now().UnixMilli(),
		"used":      false,
	})
	if err != nil {
		return "", fmt.Errorf("writing invitation: %w", err)
	}
	return key, nil
}

// Join claims the invitation for joinerID. Precondition violations
// (bad format, unknown key, already used, self-join) fail before any
// mutating write. Losing the claim race reports
// model.ErrorPairKeyClaimed and must not be retried; a retry would
// let a slow second joiner overturn the winner.
//
// On success the joiner's own partner pointer is written, then the
// offer is delivered to the creator's pairing inbox; the creator's
// inbox watcher writes the matching pointer on its side.
func (s *service) Join(ctx context.Context, joinerID, key string) (string, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !ValidKey(key) {
		return "", model.ErrorInvalidKeyFormat
	}

	raw, version, err := s.store.GetWithVersion(ctx, "pairKeys/"+key)
	if err != nil {
		return "", fmt.Errorf("reading invitation: %w", err)
	}
	invitation := &model.Invitation{}
	if err := json.Unmarshal(raw, invitation); err != nil {
		return "", fmt.Errorf("decoding invitation: %w", err)
	}
	if invitation.CreatorID == "" {
		return "", model.ErrorInvalidPairKey
	}
	if invitation.Used {
		return "", model.ErrorPairKeyUsed
	}
	if invitation.CreatorID == joinerID {
		return "", model.ErrorSelfPair
	}

	claimed := model.Invitation{
		CreatorID: invitation.CreatorID,
		CreatedAt: invitation.CreatedAt,
		Used:      true,
		JoinedBy:  joinerID,
	}
	applied, err := s.store.PutIfVersion(ctx, "pairKeys/"+key, claimed, version)
	if err != nil {
		return "", fmt.Errorf("claiming invitation: %w", err)
	}
	if !applied {
		return "", model.ErrorPairKeyClaimed
	}

	if err := s.store.Merge(ctx, "users/"+joinerID, map[string]any{"partnerId": invitation.CreatorID}); err != nil {
		return "", fmt.Errorf("recording own partner: %w", err)
	}
	err = s.store.Merge(ctx, "pairing/"+invitation.CreatorID, map[string]any{
		"partnerId": joinerID,
		"pairKey":   key,
		"unpaired":  nil,
	})
	if err != nil {
		return "", fmt.Errorf("notifying creator: %w", err)
	}
	return invitation.CreatorID, nil
}

// AcceptOffer completes the creator's half of the handshake: record
// the partner pointer and consume the inbox entry.
func (s *service) AcceptOffer(ctx context.Context, selfID, partnerID string) error {
	if err := s.store.Merge(ctx, "users/"+selfID, map[string]any{"partnerId": partnerID}); err != nil {
		return fmt.Errorf("recording own partner: %w", err)
	}
	return s.clearInbox(ctx, selfID)
}

// Unpair severs the relationship from the initiator's side: clear own
// pointer, notify the ex-partner's inbox, consume own inbox.
func (s *service) Unpair(ctx context.Context, selfID, partnerID string) error {
	if err := s.store.Merge(ctx, "users/"+selfID, map[string]any{"partnerId": nil}); err != nil {
		return fmt.Errorf("clearing own partner: %w", err)
	}
	err := s.store.Merge(ctx, "pairing/"+partnerID, map[string]any{
		"partnerId": nil,
		"unpaired":  true,
	})
	if err != nil {
		return fmt.Errorf("notifying partner: %w", err)
	}
	return s.clearInbox(ctx, selfID)
}

// AcknowledgeUnpair handles an unpair notification observed in the own
// inbox: clear the own pointer and consume the entry. Clearing first
// makes duplicate delivery a no-op.
func (s *service) AcknowledgeUnpair(ctx context.Context, selfID string) error {
	if err := s.store.Merge(ctx, "users/"+selfID, map[string]any{"partnerId": nil}); err != nil {
		return fmt.Errorf("clearing own partner: %w", err)
	}
	return s.clearInbox(ctx, selfID)
}

func (s *service) clearInbox(ctx context.Context, selfID string) error {
	err := s.store.Merge(ctx, "pairing/"+selfID, map[string]any{
		"partnerId": nil,
		"pairKey":   nil,
		"unpaired":  nil,
	})
	if err != nil {
		return fmt.Errorf("clearing inbox: %w", err)
	}
	return nil
}

// IsClaimConflict reports whether err is the lost-race outcome of a
// Join.
func IsClaimConflict(err error) bool {
	return errors.Is(err, model.ErrorPairKeyClaimed)
}
