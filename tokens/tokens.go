// Package tokens implements the Worker Token Service: issuing, hashing,
// validating, and revoking worker-auth tokens, and tracking the
// registrations created under each.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/time/rate"

	"github.com/loomhub/loomhub/errors"
	"github.com/loomhub/loomhub/store"
)

// TokenSecretBytes is the amount of entropy in a minted plaintext token,
// before base58 encoding.
const TokenSecretBytes = 32

// TokenPrefix is prepended to every minted plaintext token so tokens are
// recognizable in logs and UIs without revealing the secret.
const TokenPrefix = "wt_"

// CreateInput describes a new token to mint.
type CreateInput struct {
	Name          string
	Scope         store.TokenScope
	HubID         string
	ProjectFilter string
	Capabilities  []string
	Labels        map[string]string
	ExpiresAt     *time.Time
}

// Service issues and validates worker tokens, rate-limiting repeated
// validation attempts per caller to blunt brute-force guessing.
type Service struct {
	tokens        *store.TokenStore
	registrations *store.RegistrationStore
	limiters      *limiterSet
}

// New constructs a Service. rps/burst configure the per-token-prefix rate
// limiter applied to Validate.
func New(tokenStore *store.TokenStore, registrationStore *store.RegistrationStore, rps int, burst int) *Service {
	return &Service{
		tokens:        tokenStore,
		registrations: registrationStore,
		limiters:      newLimiterSet(rate.Limit(rps), burst),
	}
}

// Create mints a new token. The returned plaintext is the only time it is
// ever available; only its salted hash and display prefix are persisted.
func (s *Service) Create(input CreateInput) (*store.WorkerToken, string, error) {
	secret := make([]byte, TokenSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", errors.Wrap(err, "generate token secret")
	}
	plainToken := TokenPrefix + base58.Encode(secret)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", errors.Wrap(err, "generate token salt")
	}
	hash := hashToken(plainToken, salt)
	displayPrefix := plainToken[:len(TokenPrefix)+6]

	if input.Scope == "" {
		input.Scope = store.ScopeInstance
	}

	rec, err := s.tokens.Create(input.Name, hash, displayPrefix, input.Scope, input.HubID, input.ProjectFilter, input.Capabilities, input.Labels, input.ExpiresAt)
	if err != nil {
		return nil, "", err
	}
	return rec, plainToken, nil
}

// Validate checks a presented plaintext token, rejecting revoked, expired,
// or unrecognized tokens. Per-presented-token-prefix rate limiting guards
// against brute-force probing. On success, last_used_at is updated.
func (s *Service) Validate(plainToken string) (*store.WorkerToken, error) {
	if len(plainToken) < len(TokenPrefix) {
		return nil, errors.Classify(errors.KindAuth, errors.New("malformed token"))
	}

	limiterKey := plainToken
	if len(limiterKey) > 12 {
		limiterKey = limiterKey[:12]
	}
	if !s.limiters.Allow(limiterKey) {
		return nil, errors.Classify(errors.KindRateLimited, errors.New("too many validation attempts"))
	}

	tok, err := s.findByPlaintext(plainToken)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, errors.Classify(errors.KindAuth, errors.New("invalid token"))
	}

	now := time.Now()
	if tok.IsRevoked() {
		return nil, errors.Classify(errors.KindAuth, errors.New("token has been revoked"))
	}
	if tok.IsExpired(now) {
		return nil, errors.Classify(errors.KindAuth, errors.New("token has expired"))
	}

	if err := s.tokens.TouchLastUsed(tok.ID); err != nil {
		return nil, err
	}
	return tok, nil
}

// findByPlaintext recomputes the hash against every stored token's salt,
// revoked tokens included (Validate rejects those afterwards). Storage keeps salt+hash concatenated (see hashToken/splitSaltedHash);
// lookups therefore compare by constant-time equality rather than by a
// direct index hit, since the salt is per-token.
func (s *Service) findByPlaintext(plainToken string) (*store.WorkerToken, error) {
	candidates, err := s.tokens.List()
	if err != nil {
		return nil, err
	}
	for _, tok := range candidates {
		salt, storedDigest, ok := splitSaltedHash(tok.TokenHash)
		if !ok {
			continue
		}
		_, digest, ok := splitSaltedHash(hashToken(plainToken, salt))
		if !ok {
			continue
		}
		if subtle.ConstantTimeCompare(digest, storedDigest) == 1 {
			return tok, nil
		}
	}
	return nil, nil
}

// List returns all tokens.
func (s *Service) List() ([]*store.WorkerToken, error) {
	return s.tokens.List()
}

// Get fetches a token by id.
func (s *Service) Get(id string) (*store.WorkerToken, error) {
	return s.tokens.Get(id)
}

// Revoke is idempotent: revoking an already-revoked token reports success.
func (s *Service) Revoke(id string) error {
	return s.tokens.Revoke(id)
}

// RegisterWorker upserts a registration for the given token and system,
// transitioning it online. Declared capabilities are intersected with the
// token's allowed set (if the token restricts capabilities at all) to form
// the effective capability set the worker may be assigned against.
func (s *Service) RegisterWorker(tok *store.WorkerToken, systemID string, declaredCapabilities []string, labels map[string]string, metadata map[string]interface{}) (*store.WorkerRegistration, []string, error) {
	effective := declaredCapabilities
	if len(tok.Capabilities) > 0 {
		effective = intersect(declaredCapabilities, tok.Capabilities)
	}

	reg, err := s.registrations.Upsert(tok.ID, systemID, declaredCapabilities, labels, metadata)
	if err != nil {
		return nil, nil, err
	}
	return reg, effective, nil
}

// MarkOffline transitions a registration to offline.
func (s *Service) MarkOffline(registrationID string) error {
	return s.registrations.MarkOffline(registrationID)
}

// Heartbeat records registration liveness.
func (s *Service) Heartbeat(registrationID string) error {
	return s.registrations.Heartbeat(registrationID)
}

// AuthorizeAssignment applies token-scope semantics: instance tokens may
// receive any task; group tokens only tasks routed through their hub_id;
// project tokens only tasks whose payload project matches project_filter.
func AuthorizeAssignment(tok *store.WorkerToken, taskHubID, taskProject string) bool {
	switch tok.Scope {
	case store.ScopeGroup:
		return tok.HubID != "" && tok.HubID == taskHubID
	case store.ScopeProject:
		return tok.ProjectFilter != "" && tok.ProjectFilter == taskProject
	default:
		return true
	}
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func hashToken(plainToken string, salt []byte) string {
	h := sha256.Sum256(append(salt, []byte(plainToken)...))
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(h[:])
}

func splitSaltedHash(stored string) (salt []byte, digest []byte, ok bool) {
	for i := 0; i < len(stored); i++ {
		if stored[i] == ':' {
			s, err1 := hex.DecodeString(stored[:i])
			d, err2 := hex.DecodeString(stored[i+1:])
			if err1 != nil || err2 != nil {
				return nil, nil, false
			}
			return s, d, true
		}
	}
	return nil, nil, false
}
