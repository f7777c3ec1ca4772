package s2s

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CallParams are the inputs to Client.Call.
type CallParams struct {
	Env       string
	Slug      string
	Version   int
	Method    string
	Path      string // structured: <dtoType>/<op>, appended after /<slug>/v<version>
	FullPath  string // raw passthrough: used verbatim instead of Path when set
	Body      []byte
	Headers   map[string]string
	RequestID string
	TimeoutMs int
	Ctx       *CtxClaims
	TargetAssertionMode UserAssertionMode
}

// Response is the structured upstream response SvcClient surfaces.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	JSON   map[string]interface{} // populated when the body parsed as JSON
}

// Client is the outbound S2S client.
type Client struct {
	callerSlug   string
	callerMajor  int
	mirror       *Mirror
	minter       *Minter
	httpClient   *http.Client
	log          *slog.Logger
}

// NewClient constructs a Client bound to the calling service's identity.
func NewClient(callerSlug string, callerMajor int, mirror *Mirror, minter *Minter, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		callerSlug:  callerSlug,
		callerMajor: callerMajor,
		mirror:      mirror,
		minter:      minter,
		httpClient:  &http.Client{},
		log:         log,
	}
}

// Call resolves the target, mints a HOP, and executes the request.
func (c *Client) Call(ctx context.Context, p CallParams) (*Response, error) {
	target, err := c.mirror.Resolve(p.Env, p.Slug, p.Version)
	if err != nil {
		return nil, err
	}
	if !target.IsAuthorized {
		return nil, newErr(KindUnauthorizedCall, fmt.Sprintf("%s: %s", p.Slug, target.ReasonIfNotAuthorized), nil)
	}

	reqURL, err := buildURL(target, p)
	if err != nil {
		return nil, err
	}

	hop, err := c.minter.MintHop(target, p.RequestID, p.Ctx, p.TargetAssertionMode)
	if err != nil {
		return nil, err
	}
	if p.Ctx != nil {
		p.Ctx.HopBudget-- // decrements per hop; MintHop already denied overflow above
	}

	timeout := 30 * time.Second
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, strings.ToUpper(p.Method), reqURL, bytes.NewReader(p.Body))
	if err != nil {
		return nil, newErr(KindUpstreamNetwork, "build request", err)
	}

	req.Header.Set("Authorization", "Bearer "+hop)
	req.Header.Set("x-request-id", p.RequestID)
	req.Header.Set("x-service-name", c.callerSlug)
	req.Header.Set("x-api-version", strconv.Itoa(c.callerMajor))
	if len(p.Body) > 0 {
		req.Header.Set("X-NV-Contract", "v1")
	}
	for k, v := range p.Headers {
		switch strings.ToLower(k) {
		case "authorization", "x-request-id":
			continue // never override auth or request-id
		}
		req.Header.Set(k, v)
	}

	c.log.Debug("s2s call begin", slog.String("slug", p.Slug), slog.String("method", p.Method), slog.String("url", reqURL))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, newErr(KindUpstreamTimeout, reqURL, err)
		}
		return nil, newErr(KindUpstreamNetwork, reqURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newErr(KindUpstreamNetwork, "read body", err)
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}
	if isJSON(resp.Header.Get("Content-Type")) && len(body) > 0 {
		var parsed map[string]interface{}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return out, newErr(KindUpstreamBadJSON, p.Slug, err)
		}
		out.JSON = parsed
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		c.log.Warn("s2s call non2xx", slog.String("slug", p.Slug), slog.Int("status", resp.StatusCode))
		return out, newErr(KindUpstreamNon2xx, fmt.Sprintf("%s status=%d body=%s", p.Slug, resp.StatusCode, snippet), nil)
	}

	c.log.Debug("s2s call success", slog.String("slug", p.Slug), slog.Int("status", resp.StatusCode))
	return out, nil
}

func buildURL(target Target, p CallParams) (string, error) {
	if p.FullPath != "" {
		prefix := target.OutboundPrefix
		if prefix == "" {
			prefix = "/api"
		}
		if !strings.HasPrefix(p.FullPath, prefix) {
			return "", newErr(KindMalformedURL, fmt.Sprintf("fullPath %q must begin with %q", p.FullPath, prefix), nil)
		}
		return target.BaseURL + p.FullPath, nil
	}

	prefix := target.OutboundPrefix
	if prefix == "" {
		prefix = "/api"
	}
	path := strings.TrimLeft(p.Path, "/")
	return fmt.Sprintf("%s%s/%s/v%d/%s", target.BaseURL, prefix, p.Slug, p.Version, path), nil
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "application/json")
}
