package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/labstack/gommon/log"

	"github.com/keybeat/keybeat/internal/model"
)

// exportPrefix versions the identity code layout.
const exportPrefix = "KB1"

// ExportIdentity encodes the identity and its renewal token as a
// portable textual code.
func (s *service) ExportIdentity(ctx context.Context) (string, error) {
	if err := s.ensureInit(ctx); err != nil {
		return "", err
	}
	identity, renewalToken, err := s.creds.Exportable()
	if err != nil {
		return "", err
	}
	payload := strings.Join([]string{
		exportPrefix,
		identity,
		renewalToken,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
	}, "|")
	return base58.Encode([]byte(payload)), nil
}

// ImportIdentity adopts an exported identity. The renewal token is
// verified against the credential service before anything is
// committed; pairing state is reset and the engine re-initializes
// under the restored identity.
func (s *service) ImportIdentity(ctx context.Context, code string) (string, error) {
	identity, renewalToken, err := decodeIdentityCode(code)
	if err != nil {
		return "", err
	}

	// stop watching under the old identity
	s.mu.Lock()
	if s.inboxCancel != nil {
		s.inboxCancel()
		s.inboxCancel = nil
	}
	if s.partnerCancel != nil {
		s.partnerCancel()
		s.partnerCancel = nil
	}
	s.partnerID = ""
	s.partnerScore = 0
	s.initialized = false
	s.mu.Unlock()

	if err := s.creds.Adopt(ctx, identity, renewalToken); err != nil {
		return "", fmt.Errorf("adopting identity: %w", err)
	}

	if err := s.Init(ctx); err != nil {
		// identity is committed; watches come back on the next cycle
		log.Warnf("presence: re-init after import failed: %v", err)
	}
	return s.creds.Identity(), nil
}

func decodeIdentityCode(code string) (identity, renewalToken string, err error) {
	decoded := base58.Decode(strings.TrimSpace(code))
	if len(decoded) == 0 {
		return "", "", model.ErrorInvalidExportCode
	}
	parts := strings.Split(string(decoded), "|")
	if len(parts) != 4 || parts[0] != exportPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", model.ErrorInvalidExportCode
	}
	return parts[1], parts[2], nil
}
