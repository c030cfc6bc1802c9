package xrpc

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Per-service limits: an in-flight cap plus a request budget per window.
const (
	defaultConcurrency = 10
	defaultIntervalCap = 3000
	defaultInterval    = 300 * time.Second

	maxRetryAttempts = 5
)

var retryableStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// transientMarkers are substrings of error messages that indicate a
// transient network failure worth retrying.
var transientMarkers = []string{"tcp", "network", "dns"}

// Manager owns one rate-limited client per service and applies the retry
// policy around queries.
type Manager struct {
	logger   *slog.Logger
	resolver *Resolver

	mu       sync.Mutex
	services map[string]*service

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	// now is swapped out in tests.
	now func() time.Time
}

type service struct {
	client *Client
	sem    *semaphore.Weighted
	lim    *rate.Limiter
}

// NewManager creates a Manager using the given resolver for QueryByDID.
func NewManager(logger *slog.Logger, resolver *Resolver) *Manager {
	return &Manager{
		logger:   logger,
		resolver: resolver,
		services: make(map[string]*service),
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Resolver returns the manager's DID resolver.
func (m *Manager) Resolver() *Resolver {
	return m.resolver
}

func (m *Manager) service(base string) *service {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[base]
	if !ok {
		s = &service{
			client: NewClient(base),
			sem:    semaphore.NewWeighted(defaultConcurrency),
			lim:    rate.NewLimiter(rate.Limit(float64(defaultIntervalCap)/defaultInterval.Seconds()), defaultIntervalCap),
		}
		m.services[base] = s
	}
	return s
}

// Query runs op against the client for the given service, within that
// service's concurrency and rate limits, retrying per the retry policy.
func (m *Manager) Query(ctx context.Context, serviceURL string, op func(ctx context.Context, c *Client) error) error {
	attempt := 0
	for {
		err := m.do(ctx, serviceURL, op)
		if err == nil {
			return nil
		}

		// Cancellations propagate so the task queue can requeue the work.
		if isCancellation(err) || ctx.Err() != nil {
			return err
		}

		var xe *Error
		if errors.As(err, &xe) && xe.RateLimitReset > 0 {
			until := time.Unix(xe.RateLimitReset, 0).Sub(m.now())
			m.logger.Warn("rate limited, sleeping until reset", "service", serviceURL, "wait", until)
			if until > 0 {
				if serr := m.sleep(ctx, until); serr != nil {
					return serr
				}
			}
			continue
		}

		retryable := (errors.As(err, &xe) && retryableStatus[xe.Status]) || hasTransientMarker(err)
		if retryable && attempt < maxRetryAttempts {
			backoff := time.Duration(math.Pow(3, float64(attempt+1))) * time.Second
			m.logger.Warn("retrying query", "service", serviceURL, "attempt", attempt+1, "backoff", backoff, "error", err)
			if serr := m.sleep(ctx, backoff); serr != nil {
				return serr
			}
			attempt++
			continue
		}

		return err
	}
}

// QueryNoRetry runs op within the service's limits but without the retry
// policy, for callers whose own orchestration supersedes retries.
func (m *Manager) QueryNoRetry(ctx context.Context, serviceURL string, op func(ctx context.Context, c *Client) error) error {
	return m.do(ctx, serviceURL, op)
}

// QueryByDID resolves the DID to its service URL and delegates to Query.
func (m *Manager) QueryByDID(ctx context.Context, did string, op func(ctx context.Context, c *Client) error) error {
	ident, err := m.resolver.Resolve(ctx, did)
	if err != nil {
		return err
	}
	return m.Query(ctx, ident.PDS, op)
}

func (m *Manager) do(ctx context.Context, serviceURL string, op func(ctx context.Context, c *Client) error) error {
	s := m.service(serviceURL)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	if err := s.lim.Wait(ctx); err != nil {
		return err
	}
	return op(ctx, s.client)
}

func hasTransientMarker(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
