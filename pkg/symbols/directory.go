package symbols

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	json "github.com/goccy/go-json"

	"github.com/tradeforge/bfxstream/pkg/logging"
	"github.com/tradeforge/bfxstream/pkg/ratelimit"
)

// DirectoryConfig holds configuration for the HTTP-backed symbol directory.
type DirectoryConfig struct {
	// URL is the REST endpoint returning the listed trading pairs as a
	// nested string array: [["BTCUSD","ETHUSD",...]].
	URL string

	Timeout         time.Duration
	RefreshInterval time.Duration

	// Retry configuration for one fetch.
	MaxRetries uint
	RetryDelay time.Duration

	// RateLimit paces outbound fetches independent of RefreshInterval.
	RateLimit ratelimit.Rate

	// Aliases maps logical symbols directly to wire symbols, taking
	// precedence over the rewrite rules.
	Aliases map[string]string

	Logger logging.Logger
}

func (c DirectoryConfig) withDefaults() DirectoryConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 15 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Interval <= 0 {
		c.RateLimit = ratelimit.Rate{Limit: 10, Interval: time.Second}
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger()
	}
	return c
}

// Directory is a Resolver backed by the exchange's public pair listing.
// Until the first successful fetch it fails open and reports every symbol
// as listed, so public subscriptions are not blocked by a REST outage.
type Directory struct {
	cfg        DirectoryConfig
	httpClient *http.Client
	limiter    ratelimit.RateLimiter
	log        logging.Logger

	mu        sync.RWMutex
	listed    map[string]bool
	fetchedAt time.Time
}

// NewDirectory creates a directory for the given endpoint. Call Refresh (or
// Run) to populate it.
func NewDirectory(cfg DirectoryConfig) *Directory {
	cfg = cfg.withDefaults()
	return &Directory{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    ratelimit.NewTokenBucketLimiter(cfg.RateLimit),
		log:        cfg.Logger,
	}
}

// Resolve maps a logical symbol through the configured aliases.
func (d *Directory) Resolve(logical string) string {
	return d.cfg.Aliases[logical]
}

// IsListed reports whether the wire symbol appears in the last fetched
// listing. An unpopulated directory accepts everything.
func (d *Directory) IsListed(wire string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listed == nil {
		return true
	}
	return d.listed[wire]
}

// FetchedAt returns when the listing was last refreshed successfully.
func (d *Directory) FetchedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fetchedAt
}

// Refresh fetches the pair listing, retrying transient failures. The
// previous listing stays in effect when every attempt fails.
func (d *Directory) Refresh(ctx context.Context) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait error: %w", err)
	}

	var pairs []string
	err := retry.Do(
		func() error {
			var ferr error
			pairs, ferr = d.fetch(ctx)
			return ferr
		},
		retry.Attempts(d.cfg.MaxRetries),
		retry.Delay(d.cfg.RetryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.log.Warn("retrying symbol directory fetch",
				logging.Int("attempt", int(n+1)),
				logging.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("symbol directory fetch failed: %w", err)
	}

	listed := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		if !strings.HasPrefix(pair, "t") {
			pair = "t" + pair
		}
		listed[pair] = true
	}

	d.mu.Lock()
	d.listed = listed
	d.fetchedAt = time.Now()
	d.mu.Unlock()

	d.log.Info("symbol directory refreshed", logging.Int("pairs", len(listed)))
	return nil
}

// Run refreshes the listing periodically until the context is cancelled.
// Intended to run as a goroutine alongside the stream client.
func (d *Directory) Run(ctx context.Context) {
	if err := d.Refresh(ctx); err != nil {
		d.log.Warn("initial symbol directory fetch failed", logging.Error(err))
	}

	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.log.Warn("symbol directory refresh failed", logging.Error(err))
			}
		}
	}
}

func (d *Directory) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("retryable status code: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Unrecoverable(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	// The conf endpoint wraps the listing in an outer single-element array.
	var nested [][]string
	if err := json.Unmarshal(body, &nested); err != nil {
		var flat []string
		if ferr := json.Unmarshal(body, &flat); ferr != nil {
			return nil, retry.Unrecoverable(fmt.Errorf("error decoding pair listing: %w", err))
		}
		return flat, nil
	}
	if len(nested) == 0 {
		return nil, nil
	}
	return nested[0], nil
}
