package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"tabular-ai-analyst/internal/config"
	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/infra/metrics"
)

// Fetcher downloads remote dataset files under an egress policy:
// HTTP(S) only, no loopback/private/link-local targets, hard size cap
// enforced mid-stream. The address check runs at dial time, after DNS
// resolution, so a hostname cannot be rebound to an internal address
// between validation and connect.
type Fetcher struct {
	client       *http.Client
	maxBytes     int64
	allowPrivate bool
}

func NewFetcher(cfg config.DatasetConfig) *Fetcher {
	f := &Fetcher{
		maxBytes:     cfg.MaxDownloadBytes,
		allowPrivate: cfg.AllowPrivateNets,
	}
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			if f.allowPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || !publicAddress(ip) {
				return domain.NewValidationError(domain.CodeBlockedURL, "destination address is not publicly routable")
			}
			return nil
		},
	}
	f.client = &http.Client{
		Timeout: cfg.FetchTimeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          4,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
		},
	}
	return f
}

func publicAddress(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast())
}

// ValidateURL performs the cheap synchronous checks done before a load
// job is even created: scheme and, when the host is a literal IP, the
// address policy.
func (f *Fetcher) ValidateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return domain.NewValidationError(domain.CodeBlockedURL, "malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.NewValidationError(domain.CodeBlockedURL, "only http and https URLs are allowed")
	}
	if u.Hostname() == "" {
		return domain.NewValidationError(domain.CodeBlockedURL, "URL has no host")
	}
	if !f.allowPrivate {
		if ip := net.ParseIP(u.Hostname()); ip != nil && !publicAddress(ip) {
			return domain.NewValidationError(domain.CodeBlockedURL, "destination address is not publicly routable")
		}
		if strings.EqualFold(u.Hostname(), "localhost") {
			return domain.NewValidationError(domain.CodeBlockedURL, "loopback target is not allowed")
		}
	}
	return nil
}

// Fetch downloads the file, aborting with too_large the moment the body
// exceeds the cap.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.NewValidationError(domain.CodeBlockedURL, "malformed URL")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		var ce *domain.CodedError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, domain.NewInfrastructureError(domain.CodeFetchFailed, "could not fetch dataset", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewInfrastructureError(domain.CodeFetchFailed,
			fmt.Sprintf("remote returned status %d", resp.StatusCode), nil)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, domain.NewValidationError(domain.CodeTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", f.maxBytes))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, domain.NewInfrastructureError(domain.CodeFetchFailed, "download interrupted", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, domain.NewValidationError(domain.CodeTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", f.maxBytes))
	}
	metrics.ObserveDownloadBytes(int64(len(body)))
	return body, nil
}
