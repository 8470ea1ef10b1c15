// Package auth implements C10: third-party HMAC request signing, a nonce
// replay table, operator session tokens, and per-client rate limiting
// (spec §4.10). Rate limiting reuses the teacher's catrate sliding-window
// limiter directly (SPEC_FULL.md §B); the nonce replay table follows the
// same time-bucketed, single-lock, periodic-eviction shape spec §5
// prescribes for it.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
)

// SecretResolver maps a third-party access key to its shared HMAC secret.
// The server wires in StaticSecrets, a config-loaded map (client records
// are not otherwise part of this spec's data model, so the resolver is
// left abstract rather than inventing a ClientConfig type).
type SecretResolver interface {
	Secret(ctx context.Context, accessKey string) (secret string, ok bool, err error)
}

// SessionStore is the narrow slice of C1 operator-session persistence.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *model.MonitorSession) error
	GetSession(ctx context.Context, token string) (*model.MonitorSession, error)
}

// Config controls signing tolerance, session TTL, and rate limits
// (spec §4.10).
type Config struct {
	SignatureTolerance time.Duration
	SessionTTL         time.Duration

	// RatePerMinute/RatePerHour are the leaky-bucket limits applied per
	// client_id via catrate (spec §4.10 "100 req/min and 1 000 req/h").
	RatePerMinute int
	RatePerHour   int
}

func (c Config) withDefaults() Config {
	if c.SignatureTolerance <= 0 {
		c.SignatureTolerance = 5 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 4 * time.Hour
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 100
	}
	if c.RatePerHour <= 0 {
		c.RatePerHour = 1000
	}
	return c
}

// Authenticator validates third-party signatures and operator sessions.
type Authenticator struct {
	cfg      Config
	secrets  SecretResolver
	sessions SessionStore
	limiter  *catrate.Limiter

	nonces *nonceTable
}

// New constructs an Authenticator. secrets resolves per-client HMAC
// secrets; sessions persists/reads operator session tokens via C1.
func New(cfg Config, secrets SecretResolver, sessions SessionStore) *Authenticator {
	cfg = cfg.withDefaults()
	return &Authenticator{
		cfg:      cfg,
		secrets:  secrets,
		sessions: sessions,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Minute: cfg.RatePerMinute,
			time.Hour:   cfg.RatePerHour,
		}),
		nonces: newNonceTable(cfg.SignatureTolerance),
	}
}

// SignedRequest carries the parsed signature envelope (spec §6).
type SignedRequest struct {
	AccessKey string
	Timestamp int64 // unix seconds
	Nonce     string
	Signature string // base64
	Body      []byte
}

// Verify implements spec §4.10's signing contract plus the rate limit: HMAC
// match, timestamp window, and nonce-replay rejection, in that order, then
// a leaky-bucket check. It returns the resolved model.SignatureMeta on
// success.
func (a *Authenticator) Verify(ctx context.Context, sr SignedRequest) (model.SignatureMeta, error) {
	if sr.AccessKey == "" || sr.Timestamp == 0 || sr.Nonce == "" || sr.Signature == "" {
		return model.SignatureMeta{}, apperrors.New(apperrors.KindInvalidRequest, "missing signature headers")
	}

	secret, ok, err := a.secrets.Secret(ctx, sr.AccessKey)
	if err != nil {
		return model.SignatureMeta{}, apperrors.Wrap(apperrors.KindInternal, "auth: secret lookup failed", err)
	}
	if !ok {
		return model.SignatureMeta{}, apperrors.New(apperrors.KindUnauthorised, "unknown access key")
	}

	if !a.checkSignature(secret, sr) {
		return model.SignatureMeta{}, apperrors.New(apperrors.KindUnauthorised, "signature mismatch")
	}

	now := time.Now()
	ts := time.Unix(sr.Timestamp, 0)
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > a.cfg.SignatureTolerance {
		return model.SignatureMeta{}, apperrors.New(apperrors.KindInvalidRequest, "timestamp outside tolerance window")
	}

	if !a.nonces.recordIfUnseen(sr.AccessKey, sr.Nonce, now) {
		return model.SignatureMeta{}, apperrors.New(apperrors.KindInvalidRequest, "nonce replayed")
	}

	if _, allowed := a.limiter.Allow(sr.AccessKey); !allowed {
		return model.SignatureMeta{}, apperrors.New(apperrors.KindInvalidRequest, "rate limit exceeded")
	}

	return model.SignatureMeta{AccessKey: sr.AccessKey, Timestamp: sr.Timestamp, Nonce: sr.Nonce}, nil
}

// checkSignature recomputes HMAC_SHA256(secret, accessKey|timestamp|nonce|
// sha256(body)) and compares in constant time (spec §6).
func (a *Authenticator) checkSignature(secret string, sr SignedRequest) bool {
	bodySum := sha256.Sum256(sr.Body)
	payload := fmt.Sprintf("%s\n%d\n%s\n%s", sr.AccessKey, sr.Timestamp, sr.Nonce, hex.EncodeToString(bodySum[:]))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	expected := mac.Sum(nil)

	given, err := base64.StdEncoding.DecodeString(sr.Signature)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, given) == 1
}

// CreateSession mints a new operator session with the configured TTL
// (spec §4.10 "4 h default TTL").
func (a *Authenticator) CreateSession(ctx context.Context, role string) (*model.MonitorSession, error) {
	sess := &model.MonitorSession{
		Token:     uuid.NewString(),
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(a.cfg.SessionTTL),
	}
	if err := a.sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// VerifySession resolves an operator session token, rejecting unknown or
// expired tokens.
func (a *Authenticator) VerifySession(ctx context.Context, token string) (*model.MonitorSession, error) {
	if token == "" {
		return nil, apperrors.New(apperrors.KindUnauthorised, "missing session token")
	}
	sess, err := a.sessions.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, apperrors.New(apperrors.KindUnauthorised, "session expired")
	}
	return sess, nil
}

// nonceTable is the time-bucketed replay guard spec §5 describes: one lock,
// buckets keyed by the tolerance-window-sized slot, periodic eviction of
// buckets older than the tolerance window.
type nonceTable struct {
	mu        sync.Mutex
	tolerance time.Duration
	buckets   map[int64]map[string]struct{} // bucket index -> "accessKey:nonce" set
}

func newNonceTable(tolerance time.Duration) *nonceTable {
	return &nonceTable{
		tolerance: tolerance,
		buckets:   make(map[int64]map[string]struct{}),
	}
}

func (t *nonceTable) bucketOf(ts time.Time) int64 {
	width := t.tolerance
	if width <= 0 {
		width = time.Minute
	}
	return ts.Unix() / int64(width.Seconds())
}

// recordIfUnseen returns true (and records the nonce) if accessKey+nonce
// has not been seen within the tolerance window around now; false if it is
// a replay. It also evicts buckets that have aged out of the window.
func (t *nonceTable) recordIfUnseen(accessKey, nonce string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.bucketOf(now)
	key := accessKey + ":" + nonce

	for _, b := range []int64{current - 1, current, current + 1} {
		if set, ok := t.buckets[b]; ok {
			if _, seen := set[key]; seen {
				return false
			}
		}
	}

	if t.buckets[current] == nil {
		t.buckets[current] = make(map[string]struct{})
	}
	t.buckets[current][key] = struct{}{}

	for b := range t.buckets {
		if b < current-1 {
			delete(t.buckets, b)
		}
	}

	return true
}
