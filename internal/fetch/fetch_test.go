package fetch_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomshen124/ocr-server/internal/failoverblob"
	"github.com/tomshen124/ocr-server/internal/fetch"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

func newTestBlobStore(t *testing.T) *failoverblob.Store {
	t.Helper()
	log := obslog.New(obslog.Config{}, "test")
	primary, err := failoverblob.NewLocalFSBackend(failoverblob.LocalFSConfig{Root: filepath.Join(t.TempDir(), "primary")}, log)
	require.NoError(t, err)
	fallback, err := failoverblob.NewLocalFSBackend(failoverblob.LocalFSConfig{Root: filepath.Join(t.TempDir(), "fallback")}, log)
	require.NoError(t, err)
	s := failoverblob.New(primary, fallback, failoverblob.Config{}, log, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFetch_DataURI_Base64(t *testing.T) {
	blobs := newTestBlobStore(t)
	f := fetch.New(fetch.Config{}, blobs, obslog.New(obslog.Config{}, "test"), nil)

	payload := base64.StdEncoding.EncodeToString([]byte("营业执照"))
	res, err := f.Fetch(context.Background(), model.Attachment{
		SourceKind: model.SourceData,
		Source:     "data:text/plain;base64," + payload,
	})
	require.NoError(t, err)
	assert.Equal(t, "营业执照", string(res.Data))
	assert.NotEmpty(t, res.SHA256)
}

func TestFetch_DataURI_PercentEncoded(t *testing.T) {
	blobs := newTestBlobStore(t)
	f := fetch.New(fetch.Config{}, blobs, obslog.New(obslog.Config{}, "test"), nil)

	res, err := f.Fetch(context.Background(), model.Attachment{
		SourceKind: model.SourceData,
		Source:     "data:text/plain,XYZ%2D123",
	})
	require.NoError(t, err)
	assert.Equal(t, "XYZ-123", string(res.Data))
}

func TestFetch_URL_FetchesAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote content"))
	}))
	defer srv.Close()

	blobs := newTestBlobStore(t)
	f := fetch.New(fetch.Config{}, blobs, obslog.New(obslog.Config{}, "test"), nil)

	res, err := f.Fetch(context.Background(), model.Attachment{
		SourceKind: model.SourceURL,
		Source:     srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(res.Data))

	cached, err := f.FetchCached(context.Background(), res.SHA256)
	require.NoError(t, err)
	assert.Equal(t, res.Data, cached.Data)
}

func TestFetch_URL_NonOKStatusIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	blobs := newTestBlobStore(t)
	f := fetch.New(fetch.Config{}, blobs, obslog.New(obslog.Config{}, "test"), nil)

	_, err := f.Fetch(context.Background(), model.Attachment{
		SourceKind: model.SourceURL,
		Source:     srv.URL,
	})
	require.Error(t, err)
}

func TestFetch_StoreHandle_ResolvesViaBlobStore(t *testing.T) {
	blobs := newTestBlobStore(t)
	require.NoError(t, blobs.Put(context.Background(), "reports/pre-staged", []byte("staged bytes"), "application/octet-stream"))

	f := fetch.New(fetch.Config{}, blobs, obslog.New(obslog.Config{}, "test"), nil)
	res, err := f.Fetch(context.Background(), model.Attachment{
		SourceKind: model.SourceStore,
		Source:     "reports/pre-staged",
	})
	require.NoError(t, err)
	assert.Equal(t, "staged bytes", string(res.Data))
}

func TestFetch_RejectsDisallowedMimeType(t *testing.T) {
	blobs := newTestBlobStore(t)
	f := fetch.New(fetch.Config{AllowedMimePrefix: []string{"application/pdf"}}, blobs, obslog.New(obslog.Config{}, "test"), nil)

	_, err := f.Fetch(context.Background(), model.Attachment{
		SourceKind: model.SourceData,
		Source:     "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("not really a png")),
	})
	require.Error(t, err)
}

func TestFetch_RejectsOversizedAttachment(t *testing.T) {
	blobs := newTestBlobStore(t)
	f := fetch.New(fetch.Config{MaxBytes: 4}, blobs, obslog.New(obslog.Config{}, "test"), nil)

	_, err := f.Fetch(context.Background(), model.Attachment{
		SourceKind: model.SourceData,
		Source:     "data:text/plain,too-long-for-the-cap",
	})
	require.Error(t, err)
}
