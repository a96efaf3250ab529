package sensors

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// MotionProvider accumulates accelerometer samples into a speed estimate
// between StartAccumulating and StopAccumulating.
type MotionProvider struct {
	source MotionSource
	logger *log.Logger

	mu        sync.Mutex
	estimator SpeedEstimator
	running   bool
}

func NewMotionProvider(source MotionSource, logger *log.Logger) *MotionProvider {
	if source == nil {
		panic("MotionProvider: source cannot be nil")
	}
	if logger == nil {
		panic("MotionProvider: logger cannot be nil")
	}
	return &MotionProvider{source: source, logger: logger}
}

// StartAccumulating resets the estimate and starts the motion source.
// Calling it while already running is a no-op.
func (p *MotionProvider) StartAccumulating() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.estimator.Reset()
	if err := p.source.Start(p.onSample); err != nil {
		return fmt.Errorf("start motion source: %w", err)
	}
	p.running = true
	p.logger.Printf("MotionProvider: accumulating")
	return nil
}

// StopAccumulating halts the source. The last estimate stays readable.
func (p *MotionProvider) StopAccumulating() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	// Stop outside the lock: the source may be delivering a sample that is
	// waiting on it.
	p.source.Stop()
	p.logger.Printf("MotionProvider: stopped")
}

func (p *MotionProvider) IsAccumulating() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// ReadSpeed returns the latest speed estimate, or (0, false) when none exists.
func (p *MotionProvider) ReadSpeed(ctx context.Context) (float64, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.estimator.Speed()
}

func (p *MotionProvider) onSample(s AccelerationSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.estimator.Add(s)
}
