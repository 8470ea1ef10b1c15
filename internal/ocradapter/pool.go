// Package ocradapter implements C4: a pool of long-lived child processes
// running the external OCR recognizer, communicating over a
// newline-delimited JSON line protocol on stdio (spec §4.4). The pool size
// equals the global OCR permit budget (spec §4.7); callers only ever hold
// one request in flight per process.
package ocradapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/joeycumines/go-utilpkg/jsonenc"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/metrics"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

// Request is one recognition request for a single attachment's bytes.
type Request struct {
	ID            string
	Data          []byte
	LanguageHints []string
}

// Response is the recognizer's ordered line output.
type Response struct {
	Lines []model.OCRLine
}

// Config controls the pool's size and per-request limits.
type Config struct {
	BinaryPath      string
	PoolSize        int
	RequestTimeout  time.Duration
	InlineThreshold int64 // payloads above this size are spilled to a temp file
	TempDir         string
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 6
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.InlineThreshold <= 0 {
		c.InlineThreshold = 1 << 20 // 1 MiB
	}
	return c
}

// Pool owns PoolSize child processes and dispatches one request at a time
// to each.
type Pool struct {
	cfg Config
	log *obslog.Logger
	m   *metrics.Registry

	children chan *child
}

// New spawns the pool's children. If any child fails to start, already-
// spawned children are killed and an error is returned.
func New(cfg Config, log *obslog.Logger, m *metrics.Registry) (*Pool, error) {
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:      cfg,
		log:      log,
		m:        m,
		children: make(chan *child, cfg.PoolSize),
	}

	for i := 0; i < cfg.PoolSize; i++ {
		c, err := p.spawn()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("ocradapter: spawn child %d: %w", i, err)
		}
		p.children <- c
	}

	return p, nil
}

// Close terminates every child process. Remaining in-flight requests will
// observe a broken pipe.
func (p *Pool) Close() {
	close(p.children)
	for c := range p.children {
		_ = c.kill()
	}
}

type child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

func (p *Pool) spawn() (*child, error) {
	cmd := exec.Command(p.cfg.BinaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &child{cmd: cmd, stdin: stdin, reader: bufio.NewReader(stdout)}, nil
}

func (c *child) kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	_ = c.stdin.Close()
	_ = c.cmd.Process.Kill()
	_ = c.cmd.Wait()
	return nil
}

// Recognize acquires an idle child, runs one recognition request against
// it, and returns it to the pool. A timeout or crashed child is respawned
// before the permit-equivalent slot is returned, per spec §4.4 "Crash
// recovery: on any non-clean exit the process is respawned before
// releasing the permit".
func (p *Pool) Recognize(ctx context.Context, req Request) (*Response, error) {
	var c *child
	select {
	case c = <-p.children:
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.KindOcrError, "ocradapter: context cancelled waiting for child", ctx.Err())
	}

	resp, err := p.runOnce(ctx, c, req)
	if err != nil {
		p.log.Warn("ocradapter: request failed, respawning child", "request_id", req.ID, "error", err)
		_ = c.kill()
		replacement, spawnErr := p.spawn()
		if spawnErr != nil {
			p.log.Err(spawnErr, "ocradapter: failed to respawn child after failure")
			// Put a dead placeholder back isn't useful; drop this slot. The
			// pool shrinks rather than deadlocking callers on a bad binary.
		} else {
			p.children <- replacement
		}
		if p.m != nil {
			p.m.OCRRequests.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	p.children <- c
	if p.m != nil {
		p.m.OCRRequests.WithLabelValues("ok").Inc()
	}
	return resp, nil
}

func (p *Pool) runOnce(ctx context.Context, c *child, req Request) (*Response, error) {
	timeout := p.cfg.RequestTimeout
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line, tempPath, err := p.encodeRequest(req)
	if tempPath != "" {
		defer os.Remove(tempPath)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindOcrError, "ocradapter: encode request", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)

	go func() {
		if _, err := c.stdin.Write(line); err != nil {
			done <- result{err: fmt.Errorf("write request: %w", err)}
			return
		}
		raw, err := c.reader.ReadBytes('\n')
		if err != nil {
			done <- result{err: fmt.Errorf("read response: %w", err)}
			return
		}
		resp, err := decodeResponse(raw)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, apperrors.Wrap(apperrors.KindOcrError, "ocradapter: child protocol error", r.err)
		}
		return r.resp, nil
	case <-reqCtx.Done():
		return nil, apperrors.Wrap(apperrors.KindOcrError, "ocradapter: request timed out", reqCtx.Err())
	}
}

// encodeRequest builds the newline-delimited JSON request using jsonenc's
// allocation-light string/number encoders rather than reflection-based
// encoding/json, since the shape is small, fixed, and written on every
// single recognition call. The wire shape is spec §6's literal external
// interface: `{ "path"|"bytesB64":…, "langs":[...] }`.
func (p *Pool) encodeRequest(req Request) (line []byte, tempPath string, err error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	if int64(len(req.Data)) > p.cfg.InlineThreshold {
		f, ferr := os.CreateTemp(p.cfg.TempDir, "ocr-input-*")
		if ferr != nil {
			return nil, "", ferr
		}
		tempPath = f.Name()
		if _, werr := f.Write(req.Data); werr != nil {
			f.Close()
			return nil, tempPath, werr
		}
		f.Close()
		buf.WriteString(`"path":`)
		buf.Write(jsonenc.AppendString(nil, tempPath))
	} else {
		buf.WriteString(`"bytesB64":`)
		buf.Write(jsonenc.AppendString(nil, base64.StdEncoding.EncodeToString(req.Data)))
	}

	buf.WriteString(`,"langs":[`)
	for i, h := range req.LanguageHints {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(jsonenc.AppendString(nil, h))
	}
	buf.WriteByte(']')

	buf.WriteByte('}')
	buf.WriteByte('\n')
	return buf.Bytes(), tempPath, nil
}

type wireLine struct {
	Text string     `json:"text"`
	BBox [4]float64 `json:"bbox"`
	Conf float64    `json:"conf"`
}

// wireResponse is spec §6's literal external interface:
// `{ "lines":[{"text":…,"bbox":[x,y,w,h],"conf":…}], "ok":true }`.
type wireResponse struct {
	Lines []wireLine `json:"lines"`
	OK    bool       `json:"ok"`
}

func decodeResponse(raw []byte) (*Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !wire.OK {
		return nil, fmt.Errorf("recognizer reported ok=false")
	}
	resp := &Response{Lines: make([]model.OCRLine, len(wire.Lines))}
	for i, l := range wire.Lines {
		resp.Lines[i] = model.OCRLine{Text: l.Text, BBox: l.BBox, Confidence: l.Conf}
	}
	return resp, nil
}
