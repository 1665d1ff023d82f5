package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/keybeat/keybeat/internal/model"
)

// handshakeTimeout bounds the remote writes performed from watch
// callbacks.
const handshakeTimeout = 10 * time.Second

// watchInboxLocked subscribes to the own pairing inbox. Caller holds
// s.mu.
func (s *service) watchInboxLocked(uid string) {
	if s.inboxCancel != nil {
		s.inboxCancel()
	}
	s.inboxCancel = s.watch("pairing/"+uid, func(snapshot any, err error) {
		if err != nil {
			log.Warnf("presence: inbox stream: %v", err)
			return
		}
		s.onInbox(uid, snapshot)
	})
}

// watchPartnerLocked subscribes to the partner's record. Caller holds
// s.mu.
func (s *service) watchPartnerLocked(partnerID string) {
	if s.partnerCancel != nil {
		s.partnerCancel()
	}
	if partnerID == "" {
		s.partnerCancel = nil
		s.partnerScore = 0
		return
	}
	s.partnerCancel = s.watch("users/"+partnerID, func(snapshot any, err error) {
		if err != nil {
			log.Warnf("presence: partner stream: %v", err)
			return
		}
		s.onPartner(snapshot)
	})
}

// onInbox processes a full-state snapshot of the own pairing inbox.
// Entries are consumed immediately after processing, so duplicates and
// reordering are harmless.
func (s *service) onInbox(uid string, snapshot any) {
	msg := model.InboxMessage{}
	if !decodeSnapshot(snapshot, &msg) {
		return
	}

	s.mu.Lock()
	paired := s.partnerID != ""

	switch {
	case msg.Unpaired && paired:
		// partner unpaired us
		s.partnerID = ""
		s.partnerScore = 0
		if s.partnerCancel != nil {
			s.partnerCancel()
			s.partnerCancel = nil
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()
		if err := s.pairing.AcknowledgeUnpair(ctx, uid); err != nil {
			log.Errorf("presence: acknowledging unpair: %v", err)
		}
		log.Infof("presence: partner unpaired us")

	case msg.PartnerID != "" && !paired:
		// someone claimed our invitation
		s.partnerID = msg.PartnerID
		s.watchPartnerLocked(msg.PartnerID)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()
		if err := s.pairing.AcceptOffer(ctx, uid, msg.PartnerID); err != nil {
			log.Errorf("presence: accepting pairing offer: %v", err)
		}
		log.Infof("presence: paired with %s", msg.PartnerID)

	default:
		s.mu.Unlock()
	}
}

// onPartner processes a full-state snapshot of the partner's record.
func (s *service) onPartner(snapshot any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snapshot == nil {
		s.partnerScore = 0
		return
	}
	record := model.UserRecord{}
	if decodeSnapshot(snapshot, &record) {
		s.partnerScore = record.Score
	}
}

// decodeSnapshot converts a mirror snapshot (maps and scalars from
// event JSON) into a typed document. A nil snapshot decodes to the
// zero value.
func decodeSnapshot(snapshot any, into any) bool {
	if snapshot == nil {
		return true
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, into) == nil
}
