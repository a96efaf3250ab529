package sensors

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lowaak/wristlink/internal/bt"
	"github.com/lowaak/wristlink/internal/go_func_utils"
)

// SimulatedHeartRateSource returns a configurable bpm with a little jitter.
type SimulatedHeartRateSource struct {
	mu         sync.RWMutex
	bpm        int
	jitter     int
	available  bool
	authorized bool
	rng        *rand.Rand
}

func NewSimulatedHeartRateSource(bpm int) *SimulatedHeartRateSource {
	return &SimulatedHeartRateSource{
		bpm:        bpm,
		jitter:     3,
		available:  true,
		authorized: true,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimulatedHeartRateSource) Authorize(context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

func (s *SimulatedHeartRateSource) QueryMostRecent(ctx context.Context, _ time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return 0, ErrUnavailable
	}
	bpm := s.bpm
	if s.jitter > 0 {
		bpm += s.rng.Intn(2*s.jitter+1) - s.jitter
	}
	if bpm < 0 {
		bpm = 0
	}
	return bpm, nil
}

func (s *SimulatedHeartRateSource) SetBPM(bpm int) {
	s.mu.Lock()
	s.bpm = bpm
	s.mu.Unlock()
}

// SetJitter sets the +/- range added to each reading. Zero makes readings exact.
func (s *SimulatedHeartRateSource) SetJitter(jitter int) {
	s.mu.Lock()
	s.jitter = jitter
	s.mu.Unlock()
}

func (s *SimulatedHeartRateSource) SetAvailable(available bool) {
	s.mu.Lock()
	s.available = available
	s.mu.Unlock()
}

func (s *SimulatedHeartRateSource) SetAuthorized(authorized bool) {
	s.mu.Lock()
	s.authorized = authorized
	s.mu.Unlock()
}

// State returns the configured bpm and availability.
func (s *SimulatedHeartRateSource) State() (bpm int, available bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bpm, s.available
}

// SimulatedMotionSource emits a repetition-like oscillation on the x axis at
// a fixed interval.
type SimulatedMotionSource struct {
	interval time.Duration
	logger   *log.Logger

	mu        sync.Mutex
	amplitude float64 // g
	frequency float64 // repetitions per second
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewSimulatedMotionSource(interval time.Duration, logger *log.Logger) *SimulatedMotionSource {
	if logger == nil {
		panic("SimulatedMotionSource: logger cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultMotionInterval
	}
	return &SimulatedMotionSource{
		interval:  interval,
		logger:    logger,
		amplitude: 0.8,
		frequency: 0.5,
	}
}

func (s *SimulatedMotionSource) Start(handler func(AccelerationSample)) error {
	if handler == nil {
		return errors.New("motion handler cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopChan != nil {
		return errors.New("simulated motion source already started")
	}
	stop := make(chan struct{})
	s.stopChan = stop

	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		s.run(stop, handler)
	})
	return nil
}

func (s *SimulatedMotionSource) Stop() {
	s.mu.Lock()
	stop := s.stopChan
	s.stopChan = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
}

func (s *SimulatedMotionSource) SetAmplitude(g float64) {
	s.mu.Lock()
	s.amplitude = g
	s.mu.Unlock()
}

func (s *SimulatedMotionSource) Amplitude() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amplitude
}

func (s *SimulatedMotionSource) run(stop <-chan struct{}, handler func(AccelerationSample)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			amplitude, frequency := s.amplitude, s.frequency
			s.mu.Unlock()

			phase := 2 * math.Pi * frequency * now.Sub(start).Seconds()
			handler(AccelerationSample{
				X:         amplitude * math.Sin(phase),
				Y:         0.1 * amplitude * math.Cos(phase),
				Z:         1.0,
				Timestamp: now,
			})
		}
	}
}

// SimulatedStrap makes a bt.MockDevice behave like a heart-rate strap,
// notifying the bpm of source once per interval.
type SimulatedStrap struct {
	device   *bt.MockDevice
	source   *SimulatedHeartRateSource
	interval time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSimulatedStrap(device *bt.MockDevice, source *SimulatedHeartRateSource, interval time.Duration, logger *log.Logger) *SimulatedStrap {
	if device == nil || source == nil {
		panic("SimulatedStrap: device and source cannot be nil")
	}
	if logger == nil {
		panic("SimulatedStrap: logger cannot be nil")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &SimulatedStrap{device: device, source: source, interval: interval, logger: logger}
}

func (s *SimulatedStrap) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopChan != nil {
		return
	}
	stop := make(chan struct{})
	s.stopChan = stop

	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	})
}

func (s *SimulatedStrap) Stop() {
	s.mu.Lock()
	stop := s.stopChan
	s.stopChan = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
}

// Tick sends one measurement now and reports whether anyone received it.
func (s *SimulatedStrap) Tick() bool {
	bpm, err := s.source.QueryMostRecent(context.Background(), time.Time{})
	if err != nil {
		return false
	}
	return s.device.Notify(HeartRateServiceUUID, HeartRateMeasurementUUID, encodeHeartRateMeasurement(bpm))
}
