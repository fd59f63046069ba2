package pdftext

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	fetchTimeout = 30 * time.Second
	maxBodyBytes = 50 << 20 // 50 MB ceiling
)

// Client fetches extracted PDF text through the proxy service
// (GET /api/pdf/text?url=...). Target hosts must pass the allowlist and
// must not resolve to private address space; redirects are followed only
// when the final host is also allowlisted.
type Client struct {
	baseURL   string
	allowlist map[string]struct{}
	http      *http.Client
}

// NewClient builds a client. allowedHosts may be empty, which allows any
// non-private host.
func NewClient(baseURL string, allowedHosts []string) *Client {
	allow := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			allow[h] = struct{}{}
		}
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		allowlist: allow,
	}
	c.http = &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return c.validateHost(req.URL.Hostname())
		},
	}
	return c
}

type textResponse struct {
	Pages      []Page `json:"pages"`
	TotalPages int    `json:"total_pages"`
}

// FetchText retrieves the per-page text for a document URL.
func (c *Client) FetchText(ctx context.Context, docURL string) ([]Page, error) {
	if err := c.ValidateTarget(docURL); err != nil {
		return nil, err
	}
	endpoint := c.baseURL + "/api/pdf/text?url=" + url.QueryEscape(docURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch pdf text: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pdf text service returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("pdf text exceeds %d byte ceiling", maxBodyBytes)
	}

	var parsed textResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode pdf text: %w", err)
	}
	return parsed.Pages, nil
}

// ValidateTarget checks a document URL before it is sent to the proxy.
func (c *Client) ValidateTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid document url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return c.validateHost(u.Hostname())
}

func (c *Client) validateHost(host string) error {
	host = strings.ToLower(host)
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("host %s is in private address space", host)
		}
	} else if host == "localhost" {
		return fmt.Errorf("host %s is in private address space", host)
	}
	if len(c.allowlist) == 0 {
		return nil
	}
	if _, ok := c.allowlist[host]; ok {
		return nil
	}
	// Allow subdomains of allowlisted hosts.
	for allowed := range c.allowlist {
		if strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("host %s is not allowlisted", host)
}
