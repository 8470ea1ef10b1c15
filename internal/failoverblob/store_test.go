package failoverblob

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

// alwaysFailBackend simulates a permanently-down backend to exercise the
// failover path without a real S3/network dependency.
type alwaysFailBackend struct{}

func (alwaysFailBackend) name() model.BackendKind { return model.BackendObjectStore }
func (alwaysFailBackend) put(ctx context.Context, key string, data []byte, contentType string) error {
	return apperrors.Wrap(apperrors.KindBackendUnavailable, "primary down", errors.New("connection refused"))
}
func (alwaysFailBackend) get(ctx context.Context, key string) (*Blob, error) {
	return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "primary down", errors.New("connection refused"))
}
func (alwaysFailBackend) deleteKey(ctx context.Context, key string) error {
	return apperrors.Wrap(apperrors.KindBackendUnavailable, "primary down", errors.New("connection refused"))
}
func (alwaysFailBackend) presignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "", apperrors.Wrap(apperrors.KindBackendUnavailable, "primary down", errors.New("connection refused"))
}
func (alwaysFailBackend) healthCheck(ctx context.Context) error {
	return errors.New("connection refused")
}
func (alwaysFailBackend) close() error { return nil }

func newTestLocalFS(t *testing.T, name string) *localFSBackend {
	t.Helper()
	b, err := newLocalFSBackend(LocalFSConfig{Root: filepath.Join(t.TempDir(), name)}, obslog.New(obslog.Config{}, "test"))
	require.NoError(t, err)
	return b
}

func TestStore_PutGet_ViaPrimary(t *testing.T) {
	primary := newTestLocalFS(t, "primary")
	fallback := newTestLocalFS(t, "fallback")
	s := New(primary, fallback, Config{}, obslog.New(obslog.Config{}, "test"), nil)
	defer s.Close()

	require.NoError(t, s.Put(context.Background(), "reports/job-1", []byte("hello"), "text/plain"))
	blob, err := s.Get(context.Background(), "reports/job-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), blob.Data)
	assert.Equal(t, model.BackendLocalBlobStore, s.ActiveBackendKind()) // primary here is also a localFS instance
}

// TestStore_FailsOverToFallbackOnPrimaryTransportFault exercises spec
// §4.1/§4.2's write semantics: a transport fault on the active backend
// triggers a same-call retry on the newly-selected backend (selection
// flips as soon as primary stops being Healthy, per spec §4.1 "active =
// primary if primary is Healthy; otherwise active = fallback").
func TestStore_FailsOverToFallbackOnPrimaryTransportFault(t *testing.T) {
	fallback := newTestLocalFS(t, "fallback")
	s := New(alwaysFailBackend{}, fallback, Config{}, obslog.New(obslog.Config{}, "test"), nil)
	defer s.Close()

	// The failing primary's error is absorbed by the single retry-on-new-
	// active: the call itself succeeds, transparently, against fallback.
	require.NoError(t, s.Put(context.Background(), "materials-cache/x", []byte("x"), "text/plain"))
	assert.Equal(t, model.BackendLocalBlobStore, s.ActiveBackendKind())

	blob, err := s.Get(context.Background(), "materials-cache/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), blob.Data)
}

func TestStore_GetMissingKeyIsNotFound(t *testing.T) {
	primary := newTestLocalFS(t, "primary")
	fallback := newTestLocalFS(t, "fallback")
	s := New(primary, fallback, Config{}, obslog.New(obslog.Config{}, "test"), nil)
	defer s.Close()

	_, err := s.Get(context.Background(), "materials-cache/does-not-exist")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}
