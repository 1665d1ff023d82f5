package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/gommon/log"

	"github.com/keybeat/keybeat/internal/boot"
	"github.com/keybeat/keybeat/internal/model"
)

// expiryMargin is the safety window before credential expiry within
// which a cached credential is no longer handed out.
const expiryMargin = 60 * time.Second

const storageKey = "auth"

type KV interface {
	Get(keys ...string) (map[string]string, error)
	Set(values map[string]string) error
}

// unit is the atomically-persisted credential state. It lives under a
// single storage key so a renewal can never leave a new credential
// next to a stale renewal token.
type unit struct {
	Credential   string `json:"credential"`
	RenewalToken string `json:"renewalToken"`
	Identity     string `json:"identity"`
	Expiry       int64  `json:"expiry"` // unix milliseconds
}

type service struct {
	mu      sync.Mutex
	authURL string
	apiKey  string
	client  *http.Client
	store   KV
	unit    *unit
	now     func() time.Time
}

func New(config *boot.Config, store KV) (*service, error) {
	s := &service{
		authURL: strings.TrimRight(config.AuthURL, "/"),
		apiKey:  config.APIKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		store:   store,
		now:     time.Now,
	}
	if err := s.restore(); err != nil {
		return nil, fmt.Errorf("restoring credential state: %w", err)
	}
	return s, nil
}

// Token returns a bearer credential valid for at least the safety
// margin, renewing or creating an identity as needed. Transient
// renewal failures propagate unchanged so callers can retry without
// losing the identity; a rejected renewal token falls through to
// fresh-identity creation.
func (s *service) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unit != nil && s.unit.Credential != "" {
		if time.UnixMilli(s.unit.Expiry).After(s.now().Add(expiryMargin)) {
			return s.unit.Credential, nil
		}
	}

	if s.unit != nil && s.unit.RenewalToken != "" {
		renewed, err := s.renew(ctx, s.unit.RenewalToken)
		if err == nil {
			if renewed.Identity == "" {
				renewed.Identity = s.unit.Identity
			}
			if err := s.persist(renewed); err != nil {
				return "", err
			}
			return renewed.Credential, nil
		}
		if !errors.Is(err, model.ErrorCredentialRejected) {
			return "", err
		}
		// Renewal token is dead; only now is it safe to discard it.
		log.Warnf("credential: renewal token rejected, creating new identity")
		s.unit = nil
	}

	created, err := s.signUp(ctx)
	if err != nil {
		return "", err
	}
	if err := s.persist(created); err != nil {
		return "", err
	}
	return created.Credential, nil
}

// Identity returns the current identity handle, or "" before the
// first successful authentication.
func (s *service) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unit == nil {
		return ""
	}
	return s.unit.Identity
}

// Exportable returns the identity and renewal token for the identity
// export surface.
func (s *service) Exportable() (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unit == nil || s.unit.RenewalToken == "" {
		return "", "", model.ErrorNoIdentity
	}
	return s.unit.Identity, s.unit.RenewalToken, nil
}

// Adopt replaces the current identity with a restored one. The renewal
// token is verified against the credential service before anything is
// committed; an unusable token leaves the existing identity intact.
func (s *service) Adopt(ctx context.Context, identity, renewalToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	renewed, err := s.renew(ctx, renewalToken)
	if err != nil {
		return err
	}
	if renewed.Identity == "" {
		renewed.Identity = identity
	}
	return s.persist(renewed)
}

func (s *service) restore() error {
	values, err := s.store.Get(storageKey)
	if err != nil {
		return err
	}
	raw, ok := values[storageKey]
	if !ok {
		return nil
	}
	restored := &unit{}
	if err := json.Unmarshal([]byte(raw), restored); err != nil {
		// A corrupt unit is unusable either way; start over.
		log.Warnf("credential: discarding unreadable persisted state: %v", err)
		return nil
	}
	s.unit = restored
	return nil
}

func (s *service) persist(u *unit) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshalling credential state: %w", err)
	}
	if err := s.store.Set(map[string]string{storageKey: string(raw)}); err != nil {
		return fmt.Errorf("persisting credential state: %w", err)
	}
	s.unit = u
	return nil
}

type authResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	LocalID      string `json:"localId"`
	ExpiresIn    string `json:"expiresIn"`

	// refresh-grant responses use snake_case field names
	AltIDToken      string `json:"id_token"`
	AltRefreshToken string `json:"refresh_token"`
	AltUserID       string `json:"user_id"`
	AltExpiresIn    string `json:"expires_in"`
}

func (r *authResponse) normalize() (credential, renewal, identity, expiresIn string) {
	credential, renewal, identity, expiresIn = r.IDToken, r.RefreshToken, r.LocalID, r.ExpiresIn
	if credential == "" {
		credential = r.AltIDToken
	}
	if renewal == "" {
		renewal = r.AltRefreshToken
	}
	if identity == "" {
		identity = r.AltUserID
	}
	if expiresIn == "" {
		expiresIn = r.AltExpiresIn
	}
	return
}

func (s *service) signUp(ctx context.Context) (*unit, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts:signUp?key=%s", s.authURL, url.QueryEscape(s.apiKey))
	body := bytes.NewBufferString(`{"returnSecureToken":true}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("building signup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("creating identity: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("creating identity: unexpected status %d", resp.StatusCode)
	}
	return s.decodeAuth(resp.Body)
}

// renew exchanges the renewal token for a fresh credential. A 4xx
// response means the token is no longer honored and returns
// model.ErrorCredentialRejected; transport failures and 5xx responses
// are transient and wrapped.
func (s *service) renew(ctx context.Context, renewalToken string) (*unit, error) {
	endpoint := fmt.Sprintf("%s/v1/token?key=%s", s.authURL, url.QueryEscape(s.apiKey))
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {renewalToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building renewal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("renewing credential: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return s.decodeAuth(resp.Body)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, model.ErrorCredentialRejected
	default:
		return nil, fmt.Errorf("renewing credential: unexpected status %d", resp.StatusCode)
	}
}

func (s *service) decodeAuth(body io.Reader) (*unit, error) {
	response := &authResponse{}
	if err := json.NewDecoder(body).Decode(response); err != nil {
		return nil, fmt.Errorf("decoding auth response: %w", err)
	}
	credential, renewal, identity, expiresIn := response.normalize()
	if credential == "" {
		return nil, fmt.Errorf("auth response missing credential")
	}
	return &unit{
		Credential:   credential,
		RenewalToken: renewal,
		Identity:     identity,
		Expiry:       s.expiryOf(credential, expiresIn),
	}, nil
}

// expiryOf derives the credential expiry, preferring the explicit
// expiresIn duration and falling back to the credential's own exp
// claim when it is a JWT. The credential service performs the real
// verification; the claim is only read for scheduling.
func (s *service) expiryOf(credential, expiresIn string) int64 {
	if expiresIn != "" {
		if seconds, err := strconv.ParseInt(expiresIn, 10, 64); err == nil {
			return s.now().Add(time.Duration(seconds) * time.Second).UnixMilli()
		}
	}
	parser := &jwt.Parser{}
	token, _, err := parser.ParseUnverified(credential, jwt.MapClaims{})
	if err == nil {
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if exp, ok := claims["exp"].(float64); ok {
				return time.Unix(int64(exp), 0).UnixMilli()
			}
		}
	}
	// No usable expiry; treat as an hour, the common token lifetime.
	return s.now().Add(time.Hour).UnixMilli()
}
