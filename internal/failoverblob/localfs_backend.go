package failoverblob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

// localFSBackend is the fallback blob backend (spec §4.2): a plain
// directory tree, keys mapped onto relative paths. presignGet can't
// delegate to a cloud provider, so it mints a loopback URL under
// /internal/blobs/ with a short-lived HMAC-signed token (see VerifyToken).
// The internal/httpapi router does not register a route for that path.
type localFSBackend struct {
	root          string
	publicBaseURL string
	signingSecret []byte
	log           *obslog.Logger

	mu sync.Mutex // serializes directory creation races
}

// LocalFSConfig configures the fallback blob backend.
type LocalFSConfig struct {
	Root          string
	PublicBaseURL string // e.g. "http://localhost:8080"
	SigningSecret string
}

func newLocalFSBackend(cfg LocalFSConfig, log *obslog.Logger) (*localFSBackend, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "create blob root", err)
	}
	secret := cfg.SigningSecret
	if secret == "" {
		secret = "ocr-server-local-blob-dev-secret"
	}
	return &localFSBackend{
		root:          cfg.Root,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		signingSecret: []byte(secret),
		log:           log,
	}, nil
}

func (b *localFSBackend) name() model.BackendKind { return model.BackendLocalBlobStore }

func (b *localFSBackend) close() error { return nil }

// pathFor maps an opaque, prefix-namespaced key (e.g. "reports/<id>") onto
// a path under root, rejecting traversal.
func (b *localFSBackend) pathFor(key string) (string, error) {
	clean := filepath.Clean("/" + key)[1:]
	if clean == "" || strings.Contains(clean, "..") {
		return "", apperrors.New(apperrors.KindInvalidRequest, "invalid blob key")
	}
	return filepath.Join(b.root, clean), nil
}

func (b *localFSBackend) put(ctx context.Context, key string, data []byte, contentType string) error {
	p, err := b.pathFor(key)
	if err != nil {
		return err
	}

	b.mu.Lock()
	mkErr := os.MkdirAll(filepath.Dir(p), 0o755)
	b.mu.Unlock()
	if mkErr != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "mkdir blob dir", mkErr)
	}

	if err := os.WriteFile(p, data, 0o644); err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "write blob", err)
	}
	if contentType != "" {
		_ = os.WriteFile(p+".type", []byte(contentType), 0o644)
	}
	return nil
}

func (b *localFSBackend) get(ctx context.Context, key string) (*Blob, error) {
	p, err := b.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.New(apperrors.KindNotFound, "blob not found: "+key)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "read blob", err)
	}
	contentType := ""
	if ct, err := os.ReadFile(p + ".type"); err == nil {
		contentType = string(ct)
	}
	return &Blob{Data: data, ContentType: contentType}, nil
}

func (b *localFSBackend) deleteKey(ctx context.Context, key string) error {
	p, err := b.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "delete blob", err)
	}
	_ = os.Remove(p + ".type")
	return nil
}

// SignToken produces the HMAC token covering key+expiry. It is exported,
// like VerifyToken, so code outside this package can check a presigned
// loopback URL without importing backend internals.
func SignToken(secret []byte, key string, expiresAt int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(key))
	mac.Write([]byte(strconv.FormatInt(expiresAt, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a presigned loopback URL's token/expiry.
func VerifyToken(secret []byte, key string, expiresAt int64, token string) bool {
	if time.Now().Unix() > expiresAt {
		return false
	}
	want := SignToken(secret, key, expiresAt)
	return hmac.Equal([]byte(want), []byte(token))
}

func (b *localFSBackend) presignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := b.pathFor(key); err != nil {
		return "", err
	}
	exp := time.Now().Add(ttl).Unix()
	token := SignToken(b.signingSecret, key, exp)
	return fmt.Sprintf("%s/internal/blobs/%s?exp=%d&sig=%s", b.publicBaseURL, key, exp, token), nil
}

func (b *localFSBackend) healthCheck(ctx context.Context) error {
	sentinel := filepath.Join(b.root, "_sentinel", "health-probe")
	if err := os.MkdirAll(filepath.Dir(sentinel), 0o755); err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "sentinel mkdir", err)
	}
	if err := os.WriteFile(sentinel, []byte(strconv.FormatInt(time.Now().UnixNano(), 10)), 0o644); err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "sentinel write", err)
	}
	if _, err := os.ReadFile(sentinel); err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "sentinel read", err)
	}
	return nil
}
