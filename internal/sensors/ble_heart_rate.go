package sensors

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/wristlink/internal/bt"
)

// BLEHeartRateSource reads a heart-rate strap over Bluetooth LE. Authorize
// finds and connects the strap; afterwards every measurement notification is
// kept as the most recent reading.
type BLEHeartRateSource struct {
	manager        bt.Manager
	prefs          *bt.Preferences
	logger         *log.Logger
	scanWindow     time.Duration
	connectTimeout time.Duration
	now            func() time.Time

	// authMu is held for a whole Authorize so concurrent callers do not
	// scan and connect twice.
	authMu sync.Mutex

	mu      sync.Mutex
	enabled bool
	device  bt.Device
	// lastAddress is the strap used last in this run, tried first on reconnect.
	lastAddress string
	latestBPM   int
	latestAt    time.Time
	hasLatest   bool
}

var _ HeartRateSource = (*BLEHeartRateSource)(nil)

// NewBLEHeartRateSource creates a source over manager. prefs may be nil, in
// which case the strap is not remembered between runs.
func NewBLEHeartRateSource(manager bt.Manager, prefs *bt.Preferences, scanWindow time.Duration, logger *log.Logger) *BLEHeartRateSource {
	if manager == nil {
		panic("BLEHeartRateSource: manager cannot be nil")
	}
	if logger == nil {
		panic("BLEHeartRateSource: logger cannot be nil")
	}
	if scanWindow <= 0 {
		scanWindow = 5 * time.Second
	}
	return &BLEHeartRateSource{
		manager:        manager,
		prefs:          prefs,
		logger:         logger,
		scanWindow:     scanWindow,
		connectTimeout: 10 * time.Second,
		now:            time.Now,
	}
}

// Authorize connects to a strap and subscribes to its measurements. The
// remembered strap is preferred; otherwise the strongest one seen during the
// scan window is used. It returns true right away while a strap is connected;
// a strap that dropped off is searched for and connected again.
func (s *BLEHeartRateSource) Authorize(ctx context.Context) bool {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	if s.connected() {
		return true
	}

	if err := s.enable(); err != nil {
		s.logger.Printf("BLEHeartRateSource: %v", err)
		return false
	}

	dev, err := s.findStrap(ctx)
	if err != nil {
		s.logger.Printf("BLEHeartRateSource: %v", err)
		return false
	}
	s.mu.Lock()
	// Readings from before a reconnect are not carried over.
	s.hasLatest = false
	s.mu.Unlock()

	if err := s.connect(dev); err != nil {
		s.logger.Printf("BLEHeartRateSource: %v", err)
		return false
	}

	s.mu.Lock()
	s.device = dev
	s.lastAddress = dev.Address()
	s.mu.Unlock()

	if s.prefs != nil {
		if err := s.prefs.SetPreferredDevice(bt.RoleHeartRateStrap, dev.Address()); err != nil {
			s.logger.Printf("BLEHeartRateSource: remember strap: %v", err)
		}
	}
	s.logger.Printf("BLEHeartRateSource: using %s (%s)", dev.LocalName(), dev.Address())
	return true
}

func (s *BLEHeartRateSource) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device != nil && s.device.IsConnected()
}

func (s *BLEHeartRateSource) enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	if err := s.manager.Enable(); err != nil {
		return err
	}
	s.enabled = true
	return nil
}

func (s *BLEHeartRateSource) findStrap(ctx context.Context) (bt.Device, error) {
	s.mu.Lock()
	preferred := s.lastAddress
	s.mu.Unlock()
	if preferred == "" && s.prefs != nil {
		preferred = s.prefs.PreferredDevice(bt.RoleHeartRateStrap)
	}

	s.manager.StartScan([]string{HeartRateServiceUUID})
	defer func() {
		if err := s.manager.StopScan(); err != nil {
			s.logger.Printf("BLEHeartRateSource: stop scan: %v", err)
		}
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	window := time.NewTimer(s.scanWindow)
	defer window.Stop()

	for {
		if preferred != "" {
			if dev := s.manager.Device(preferred); dev != nil {
				return dev, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("scan for strap: %w", ctx.Err())
		case <-window.C:
			if dev := strongest(s.manager.ScanDevices()); dev != nil {
				return dev, nil
			}
			return nil, fmt.Errorf("no heart rate strap found: %w", ErrUnavailable)
		case <-ticker.C:
		}
	}
}

func strongest(devices []bt.Device) bt.Device {
	var best bt.Device
	for _, d := range devices {
		if !d.HasServiceUUID(HeartRateServiceUUID) {
			continue
		}
		if best == nil || d.RSSI() > best.RSSI() {
			best = d
		}
	}
	return best
}

func (s *BLEHeartRateSource) connect(dev bt.Device) error {
	if !dev.IsConnected() {
		if err := s.manager.Connect(dev); err != nil {
			return err
		}
		if err := dev.WaitForConnection(s.connectTimeout); err != nil {
			return err
		}
	}
	return dev.EnableNotifications(HeartRateServiceUUID, HeartRateMeasurementUUID, s.onMeasurement)
}

func (s *BLEHeartRateSource) onMeasurement(buf []byte) {
	bpm, err := parseHeartRateMeasurement(buf)
	if err != nil {
		s.logger.Printf("BLEHeartRateSource: %v", err)
		return
	}
	s.mu.Lock()
	s.latestBPM = bpm
	s.latestAt = s.now()
	s.hasLatest = true
	s.mu.Unlock()
}

// QueryMostRecent returns the last measurement if it arrived at or after since
// and the strap is still connected.
func (s *BLEHeartRateSource) QueryMostRecent(ctx context.Context, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil || !s.device.IsConnected() {
		return 0, fmt.Errorf("%w: %w", ErrNotConnected, ErrUnavailable)
	}
	if !s.hasLatest || s.latestAt.Before(since) {
		return 0, ErrUnavailable
	}
	return s.latestBPM, nil
}

// Close unsubscribes and disconnects the strap.
func (s *BLEHeartRateSource) Close() {
	s.mu.Lock()
	dev := s.device
	s.device = nil
	s.mu.Unlock()
	if dev == nil {
		return
	}
	if err := dev.DisableNotifications(HeartRateServiceUUID, HeartRateMeasurementUUID); err != nil {
		s.logger.Printf("BLEHeartRateSource: %v", err)
	}
	if err := s.manager.Disconnect(dev); err != nil {
		s.logger.Printf("BLEHeartRateSource: %v", err)
	}
}
