package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"antigravity2api-go/internal/middleware"
	"antigravity2api-go/internal/tokenmgr"
	log "github.com/sirupsen/logrus"
)

// Per-operation timeouts for the upstream endpoint.
const (
	ChatTimeout   = 120 * time.Second
	ImageTimeout  = 300 * time.Second
	ModelsTimeout = 30 * time.Second
)

const clientUserAgent = "antigravity/1.11.3 windows/amd64"

// Client talks to the internal generateContent endpoint on behalf of a pooled
// project. It refreshes the token once on an auth failure and disables the
// project when the retry fails too.
type Client struct {
	base   string
	cli    *http.Client
	tokens *tokenmgr.Manager
}

func New(baseURL string, tokens *tokenmgr.Manager) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		// Server-sent events disable compression negotiation in net/http;
		// the Accept-Encoding header is set explicitly and decoded here.
		DisableCompression: true,
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		cli:    &http.Client{Transport: tr, Timeout: 0},
		tokens: tokens,
	}
}

// Post sends the envelope to base+suffix as the given project.
//
// The caller owns resp.Body when err is nil; closing it releases the
// per-request timeout. Non-2xx statuses are returned as responses, not
// errors, except auth failures that survive a token refresh.
func (c *Client) Post(ctx context.Context, project *tokenmgr.Project, suffix string, body []byte, timeout time.Duration) (*http.Response, error) {
	resp, err := c.attempt(ctx, project, suffix, body, timeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}

	status := resp.StatusCode
	drain(resp)
	log.Warnf("Upstream auth failure %d for project %s, refreshing token", status, project.ProjectID)

	// A failed refresh is surfaced, not punished: the project stays in
	// rotation so a transient OAuth outage cannot drain the pool.
	if _, err := c.tokens.HandleAuthError(ctx, project); err != nil {
		return nil, fmt.Errorf("refresh token for %s: %w", project.ProjectID, err)
	}

	resp, err = c.attempt(ctx, project, suffix, body, timeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		status = resp.StatusCode
		drain(resp)
		reason := fmt.Sprintf("Auth failed after token refresh: %d", status)
		c.tokens.Disable(project, reason)
		return nil, fmt.Errorf("project %s rejected with status %d after token refresh", project.ProjectID, status)
	}
	return resp, nil
}

// FetchModels retrieves the upstream model list.
func (c *Client) FetchModels(ctx context.Context, project *tokenmgr.Project, suffix string) (*http.Response, error) {
	return c.Post(ctx, project, suffix, []byte("{}"), ModelsTimeout)
}

func (c *Client) attempt(ctx context.Context, project *tokenmgr.Project, suffix string, body []byte, timeout time.Duration) (*http.Response, error) {
	token, err := c.tokens.AccessToken(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("access token for %s: %w", project.ProjectID, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.base+suffix, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", clientUserAgent)

	resp, err := c.cli.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	middleware.RecordUpstreamRequest(resp.StatusCode)

	// The timeout covers the whole body, released when the caller closes it.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("gzip response: %w", err)
		}
		resp.Body = &gzipBody{gz: gz, underlying: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

type gzipBody struct {
	gz         *gzip.Reader
	underlying io.ReadCloser
}

func (b *gzipBody) Read(p []byte) (int, error) { return b.gz.Read(p) }

func (b *gzipBody) Close() error {
	err := b.gz.Close()
	if cerr := b.underlying.Close(); err == nil {
		err = cerr
	}
	return err
}
