package model

// Invitation is the single-use document at pairKeys/{key}. It is
// created unused by the inviter and claimed exactly once, under a
// version-conditioned write, by whichever joiner wins the race.
type Invitation struct {
	CreatorID string `json:"creatorId"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
	Used      bool   `json:"used"`
	JoinedBy  string `json:"joinedBy,omitempty"`
}

// InboxMessage is the mailbox document at pairing/{id}, watched by the
// identity's own streaming replica. A counterpart delivers either a
// pairing offer acknowledgement (PartnerID set) or an unpair
// notification (Unpaired true); the watcher clears the fields as soon
// as it has processed them, so duplicate delivery is harmless.
type InboxMessage struct {
	PartnerID string `json:"partnerId,omitempty"`
	PairKey   string `json:"pairKey,omitempty"`
	Unpaired  bool   `json:"unpaired,omitempty"`
}
