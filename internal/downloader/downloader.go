package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brensch/edgarsync/internal/config"
	"github.com/brensch/edgarsync/internal/util"
)

// Fetcher issues single GET requests against the filing archive. Every
// request passes through the shared RateLimiter first. It never retries:
// a failed item is picked up again by reconciliation on a later run.
type Fetcher struct {
	client    *http.Client
	limiter   *RateLimiter
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewFetcher builds a Fetcher from the archive settings in cfg. If limiter is
// nil a new one is created from cfg.RequestDelay.
func NewFetcher(cfg config.Config, limiter *RateLimiter, logger *slog.Logger) *Fetcher {
	if limiter == nil {
		limiter = NewRateLimiter(cfg.RequestDelay)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = config.DefaultUserAgent
	}
	return &Fetcher{
		client:    util.DefaultHTTPClient(timeout),
		limiter:   limiter,
		userAgent: userAgent,
		timeout:   timeout,
		logger:    logger,
	}
}

// setHeaders applies the identification bundle the archive's access policy
// requires. Accept-Encoding is left to the transport so gzip is decoded
// transparently.
func (f *Fetcher) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

// Fetch waits for the rate limiter, performs one GET and returns the body.
// Failures are *StatusError for non-2xx responses and *TransportError for
// everything else; a cancelled ctx is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if _, err := f.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{URL: url, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	f.setHeaders(req)

	start := time.Now()
	body, err := util.DownloadFile(f.client, req)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			f.logger.Debug("Archive returned bad status.", slog.String("url", url), slog.Int("status", statusErr.StatusCode))
			return nil, statusErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{URL: url, Err: err}
	}
	f.logger.Debug("Fetched document.", slog.String("url", url), slog.Int("bytes", len(body)), slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return body, nil
}
