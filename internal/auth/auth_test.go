package auth_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/auth"
	"github.com/tomshen124/ocr-server/internal/model"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.MonitorSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: map[string]*model.MonitorSession{}}
}

func (m *memSessionStore) CreateSession(ctx context.Context, sess *model.MonitorSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.Token] = sess
	return nil
}

func (m *memSessionStore) GetSession(ctx context.Context, token string) (*model.MonitorSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[token]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "session not found")
	}
	return sess, nil
}

func sign(secret, accessKey string, ts int64, nonce string, body []byte) string {
	bodySum := sha256.Sum256(body)
	payload := fmt.Sprintf("%s\n%d\n%s\n%s", accessKey, ts, nonce, hex.EncodeToString(bodySum[:]))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newAuthenticator(t *testing.T) (*auth.Authenticator, string, string) {
	t.Helper()
	const accessKey, secret = "client-a", "s3cr3t"
	a := auth.New(auth.Config{}, auth.StaticSecrets{accessKey: secret}, newMemSessionStore())
	return a, accessKey, secret
}

func TestVerify_AcceptsValidSignature(t *testing.T) {
	a, accessKey, secret := newAuthenticator(t)
	body := []byte(`{"matterId":"M1"}`)
	ts := time.Now().Unix()
	nonce := "nonce-1"

	meta, err := a.Verify(context.Background(), auth.SignedRequest{
		AccessKey: accessKey,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: sign(secret, accessKey, ts, nonce, body),
		Body:      body,
	})
	require.NoError(t, err)
	assert.Equal(t, accessKey, meta.AccessKey)
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	a, accessKey, secret := newAuthenticator(t)
	ts := time.Now().Unix()
	nonce := "nonce-1"
	sig := sign(secret, accessKey, ts, nonce, []byte(`{"a":1}`))

	_, err := a.Verify(context.Background(), auth.SignedRequest{
		AccessKey: accessKey,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: sig,
		Body:      []byte(`{"a":2}`), // tampered after signing
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUnauthorised))
}

func TestVerify_RejectsUnknownAccessKey(t *testing.T) {
	a, _, _ := newAuthenticator(t)
	body := []byte(`{}`)
	ts := time.Now().Unix()
	_, err := a.Verify(context.Background(), auth.SignedRequest{
		AccessKey: "nobody",
		Timestamp: ts,
		Nonce:     "n1",
		Signature: sign("wrong-secret", "nobody", ts, "n1", body),
		Body:      body,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUnauthorised))
}

func TestVerify_RejectsTimestampOutsideTolerance(t *testing.T) {
	a, accessKey, secret := newAuthenticator(t)
	body := []byte(`{}`)
	ts := time.Now().Add(-10 * time.Minute).Unix() // default tolerance is 5 min
	nonce := "n1"

	_, err := a.Verify(context.Background(), auth.SignedRequest{
		AccessKey: accessKey,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: sign(secret, accessKey, ts, nonce, body),
		Body:      body,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidRequest))
}

// TestVerify_RejectsReplayedNonce is the concrete expression of spec §8's
// "Replay attack" scenario (6): re-POSTing a valid signed request verbatim
// within the tolerance window must be rejected the second time.
func TestVerify_RejectsReplayedNonce(t *testing.T) {
	a, accessKey, secret := newAuthenticator(t)
	body := []byte(`{"matterId":"M1"}`)
	ts := time.Now().Unix()
	nonce := "replay-me"
	sig := sign(secret, accessKey, ts, nonce, body)

	sr := auth.SignedRequest{AccessKey: accessKey, Timestamp: ts, Nonce: nonce, Signature: sig, Body: body}

	_, err := a.Verify(context.Background(), sr)
	require.NoError(t, err)

	_, err = a.Verify(context.Background(), sr)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidRequest))
}

func TestVerify_RejectsMissingHeaders(t *testing.T) {
	a, _, _ := newAuthenticator(t)
	_, err := a.Verify(context.Background(), auth.SignedRequest{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidRequest))
}

func TestCreateAndVerifySession(t *testing.T) {
	a, _, _ := newAuthenticator(t)
	sess, err := a.CreateSession(context.Background(), "operator")
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)

	got, err := a.VerifySession(context.Background(), sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "operator", got.Role)
}

func TestVerifySession_RejectsUnknownToken(t *testing.T) {
	a, _, _ := newAuthenticator(t)
	_, err := a.VerifySession(context.Background(), "does-not-exist")
	require.Error(t, err)
}
