package model

// UserRecord is the per-identity document at users/{id} in the remote
// store. Score fields are written only by the owning identity's own
// devices; PartnerID is written by the owner itself, on behalf of the
// inbox handshake.
type UserRecord struct {
	Score      int    `json:"score"`
	Keycount5  int    `json:"keycount5"`
	Keycount15 int    `json:"keycount15"`
	Keycount30 int    `json:"keycount30"`
	UpdatedAt  int64  `json:"updatedAt"` // unix milliseconds
	PartnerID  string `json:"partnerId,omitempty"`
}
