package sensors

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lowaak/wristlink/internal/go_func_utils"
)

// HeartRateProvider reads the most recent bpm recorded today from a
// HeartRateSource, bounding every wait by timeout.
type HeartRateProvider struct {
	source  HeartRateSource
	timeout time.Duration
	logger  *log.Logger
	now     func() time.Time

	mu         sync.Mutex
	authorized bool
	inflight   *authAttempt
}

// authAttempt is one Authorize call to the source that later callers wait on.
type authAttempt struct {
	done    chan struct{}
	granted bool
}

func NewHeartRateProvider(source HeartRateSource, timeout time.Duration, logger *log.Logger) *HeartRateProvider {
	if source == nil {
		panic("HeartRateProvider: source cannot be nil")
	}
	if logger == nil {
		panic("HeartRateProvider: logger cannot be nil")
	}
	return &HeartRateProvider{
		source:  source,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Authorize requests access from the source. Once granted it is not asked
// again until the source reports it lost its device. Concurrent callers share
// a single attempt.
func (p *HeartRateProvider) Authorize(ctx context.Context) bool {
	p.mu.Lock()
	if p.authorized {
		p.mu.Unlock()
		return true
	}
	if a := p.inflight; a != nil {
		p.mu.Unlock()
		select {
		case <-a.done:
			return a.granted
		case <-ctx.Done():
			return false
		}
	}
	a := &authAttempt{done: make(chan struct{})}
	p.inflight = a
	p.mu.Unlock()

	granted, err := go_func_utils.Await(ctx, p.timeout, func(ctx context.Context) (bool, error) {
		return p.source.Authorize(ctx), nil
	})
	switch {
	case err != nil:
		p.logger.Printf("HeartRateProvider: authorization did not complete: %v", err)
		granted = false
	case !granted:
		p.logger.Printf("HeartRateProvider: authorization denied")
	default:
		p.logger.Printf("HeartRateProvider: authorized")
	}

	p.mu.Lock()
	p.authorized = granted
	p.inflight = nil
	p.mu.Unlock()
	a.granted = granted
	close(a.done)
	return granted
}

// ReadHeartRate returns the most recent bpm since local midnight.
// It returns (0, false) when unauthorized, empty, failing or too slow.
func (p *HeartRateProvider) ReadHeartRate(ctx context.Context) (int, bool) {
	if !p.Authorize(ctx) {
		return 0, false
	}

	since := startOfDay(p.now())
	bpm, err := go_func_utils.Await(ctx, p.timeout, func(ctx context.Context) (int, error) {
		return p.source.QueryMostRecent(ctx, since)
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		p.logger.Printf("HeartRateProvider: %v after %v", ErrTimeout, p.timeout)
		return 0, false
	case errors.Is(err, ErrNotConnected):
		p.logger.Printf("HeartRateProvider: %v", err)
		p.mu.Lock()
		p.authorized = false
		p.mu.Unlock()
		return 0, false
	case err != nil:
		p.logger.Printf("HeartRateProvider: %v", err)
		return 0, false
	case bpm < 0:
		p.logger.Printf("HeartRateProvider: discarding negative bpm %d", bpm)
		return 0, false
	}
	return bpm, true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
