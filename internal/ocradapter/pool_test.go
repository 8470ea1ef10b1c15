package ocradapter_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomshen124/ocr-server/internal/obslog"
	"github.com/tomshen124/ocr-server/internal/ocradapter"
)

// TestMain re-executes this test binary as the OCR child process when
// GO_TEST_MODE=helper is set, following the teacher's exec-subprocess
// testing idiom (prompt/termtest/main_test.go's TestHelperProcess shape),
// since ocradapter shells out to a real external recognizer binary and has
// no other seam to fake one.
func TestMain(m *testing.M) {
	if os.Getenv("GO_TEST_MODE") == "helper" {
		runHelperRecognizer()
		return
	}
	os.Exit(m.Run())
}

type helperRequest struct {
	Langs    []string `json:"langs"`
	BytesB64 string   `json:"bytesB64"`
	Path     string   `json:"path"`
}

// runHelperRecognizer implements the literal line protocol spec §6
// specifies for the tests below: echo the decoded payload back as one text
// line, or exit uncleanly on a request whose payload is the literal
// "CRASH".
func runHelperRecognizer() {
	reader := bufio.NewReader(os.Stdin)
	for {
		raw, err := reader.ReadBytes('\n')
		if len(raw) == 0 && err != nil {
			return
		}
		var req helperRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			os.Exit(1)
		}

		var payload []byte
		if req.Path != "" {
			payload, _ = os.ReadFile(req.Path)
		} else {
			payload, _ = base64.StdEncoding.DecodeString(req.BytesB64)
		}

		if string(payload) == "CRASH" {
			os.Exit(1)
		}
		if string(payload) == "HANG" {
			time.Sleep(10 * time.Second)
			return
		}

		resp := map[string]any{
			"ok": true,
			"lines": []map[string]any{
				{"text": string(payload), "bbox": [4]float64{0, 0, 10, 10}, "conf": 0.99},
			},
		}
		out, _ := json.Marshal(resp)
		fmt.Println(string(out))
	}
}

func newTestPool(t *testing.T, poolSize int, timeout time.Duration) *ocradapter.Pool {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	require.NoError(t, os.Setenv("GO_TEST_MODE", "helper"))
	t.Cleanup(func() { _ = os.Unsetenv("GO_TEST_MODE") })

	pool, err := ocradapter.New(ocradapter.Config{
		BinaryPath:     self,
		PoolSize:       poolSize,
		RequestTimeout: timeout,
	}, obslog.New(obslog.Config{}, "test"), nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPool_Recognize_RoundTripsThroughChildProcess(t *testing.T) {
	pool := newTestPool(t, 2, 5*time.Second)

	resp, err := pool.Recognize(context.Background(), ocradapter.Request{
		ID:   "req-1",
		Data: []byte("营业执照"),
	})
	require.NoError(t, err)
	require.Len(t, resp.Lines, 1)
	assert.Equal(t, "营业执照", resp.Lines[0].Text)
}

func TestPool_Recognize_RespawnsAfterChildCrash(t *testing.T) {
	pool := newTestPool(t, 1, 5*time.Second)

	_, err := pool.Recognize(context.Background(), ocradapter.Request{ID: "req-crash", Data: []byte("CRASH")})
	require.Error(t, err)

	// The pool must have respawned a replacement child: a subsequent
	// request on the same (single-slot) pool succeeds.
	resp, err := pool.Recognize(context.Background(), ocradapter.Request{ID: "req-2", Data: []byte("still alive")})
	require.NoError(t, err)
	require.Len(t, resp.Lines, 1)
	assert.Equal(t, "still alive", resp.Lines[0].Text)
}

func TestPool_Recognize_TimesOutAndRespawns(t *testing.T) {
	pool := newTestPool(t, 1, 200*time.Millisecond)

	_, err := pool.Recognize(context.Background(), ocradapter.Request{ID: "req-hang", Data: []byte("HANG")})
	require.Error(t, err)

	resp, err := pool.Recognize(context.Background(), ocradapter.Request{ID: "req-3", Data: []byte("recovered")})
	require.NoError(t, err)
	require.Len(t, resp.Lines, 1)
	assert.Equal(t, "recovered", resp.Lines[0].Text)
}
