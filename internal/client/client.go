package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/mblsha/crateforge/internal/archive"
	"github.com/mblsha/crateforge/internal/artifact"
)

const (
	defaultBaseURL = "http://127.0.0.1:5000"

	headerRequestID   = "X-Request-Id"
	headerBuildErrors = "X-Build-Errors"
)

type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

type Result struct {
	Kind      artifact.Kind
	FileName  string
	Data      []byte
	SHA256    string
	RequestID string
}

// CompileError is a non-200 answer from the worker. Body is the plain-text
// diagnostic, which for build failures is cargo's stderr.
type CompileError struct {
	Status int
	Body   string
	// BuildErrors is -1 unless the worker reported a build failure.
	BuildErrors int
	RequestID   string
}

func (e *CompileError) Error() string {
	first := strings.TrimSpace(e.Body)
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	return fmt.Sprintf("compile failed: status=%d: %s", e.Status, first)
}

// BuildFailed reports whether the toolchain ran and rejected the sources,
// as opposed to the request itself failing.
func (e *CompileError) BuildFailed() bool {
	return e.BuildErrors >= 0
}

func (c *HTTPClient) Compile(ctx context.Context, crate string, bundle []byte, encoding string) (*Result, error) {
	enc, err := archive.NormalizeEncoding(encoding)
	if err != nil {
		return nil, err
	}
	reqURL, err := c.buildURL("/compile", url.Values{"crate_name": {crate}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(bundle))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-tar")
	if enc != archive.EncodingIdentity {
		req.Header.Set("Content-Encoding", enc)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read compile response: %w", err)
	}
	requestID := resp.Header.Get(headerRequestID)

	if resp.StatusCode != http.StatusOK {
		ce := &CompileError{
			Status:      resp.StatusCode,
			Body:        string(raw),
			BuildErrors: -1,
			RequestID:   requestID,
		}
		if v := resp.Header.Get(headerBuildErrors); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				ce.BuildErrors = n
			}
		}
		return nil, ce
	}

	kind, name, ok := artifact.KindFromHeader(resp.Header.Get)
	if !ok {
		return nil, fmt.Errorf("compile response names no artifact (request %s)", requestID)
	}
	sum := sha256.Sum256(raw)
	got := hex.EncodeToString(sum[:])
	if want := resp.Header.Get(artifact.HeaderSHA256); want != "" && !strings.EqualFold(want, got) {
		return nil, fmt.Errorf("artifact checksum mismatch: header=%s body=%s", want, got)
	}
	return &Result{
		Kind:      kind,
		FileName:  name,
		Data:      raw,
		SHA256:    got,
		RequestID: requestID,
	}, nil
}

func (c *HTTPClient) Health(ctx context.Context) error {
	reqURL, err := c.buildURL("/healthz", nil)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if payload.Status != "ok" {
		return fmt.Errorf("worker reports status %q", payload.Status)
	}
	return nil
}

func (c *HTTPClient) buildURL(pathPart string, query url.Values) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url %q: %w", c.BaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server url %q must include scheme and host", c.BaseURL)
	}
	u.Path = path.Join("/", u.Path, pathPart)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}
