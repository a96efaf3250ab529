package bt

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lowaak/wristlink/internal/events"
	"github.com/lowaak/wristlink/internal/go_func_utils"
	"tinygo.org/x/bluetooth"
)

// Manager owns the BLE adapter: scanning, connecting and the device table.
type Manager interface {
	Enable() error
	StartScan(serviceUUIDFilter []string)
	StopScan() error
	IsScanning() bool
	Device(address string) Device
	ScanDevices() []Device
	Connect(device Device) error
	Disconnect(device Device) error
	ListenToScanDevices(ch chan<- []Device) func()
	Shutdown()
}

var _ Manager = (*AdapterManager)(nil)

// AdapterManager is the Manager backed by a real bluetooth.Adapter.
type AdapterManager struct {
	adapter  *bluetooth.Adapter
	logger   *log.Logger
	staleAge time.Duration

	mu         sync.RWMutex
	devices    map[string]*device
	scanning   bool
	scanCancel context.CancelFunc

	scanDevicesEvent *events.ChannelEvent[[]Device]
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

func NewAdapterManager(adapter *bluetooth.Adapter, logger *log.Logger, staleAge time.Duration) *AdapterManager {
	if adapter == nil {
		panic("AdapterManager: adapter cannot be nil")
	}
	if logger == nil {
		panic("AdapterManager: logger cannot be nil")
	}
	if staleAge <= 0 {
		staleAge = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AdapterManager{
		adapter:          adapter,
		logger:           logger,
		staleAge:         staleAge,
		devices:          make(map[string]*device),
		scanDevicesEvent: events.NewChannelEvent[[]Device](true),
		ctx:              ctx,
		cancel:           cancel,
	}
}

func (m *AdapterManager) Enable() error {
	m.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		d := m.deviceFor(dev.Address)
		if connected {
			m.logger.Printf("BTManager: connected %s", d.Address())
			d.setConnected(&dev)
		} else {
			m.logger.Printf("BTManager: disconnected %s", d.Address())
			d.setConnected(nil)
		}
	})
	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("enable BLE adapter: %w", err)
	}
	return nil
}

func (m *AdapterManager) deviceFor(address bluetooth.Address) *device {
	key := address.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[key]
	if !ok {
		d = newDevice(m.logger, address)
		m.devices[key] = d
	}
	return d
}

// StartScan scans for devices advertising any of serviceUUIDFilter (all
// devices when the filter is empty) until StopScan or Shutdown. A scan already
// running is replaced.
func (m *AdapterManager) StartScan(serviceUUIDFilter []string) {
	filter := make(map[string]struct{}, len(serviceUUIDFilter))
	for _, u := range serviceUUIDFilter {
		filter[u] = struct{}{}
	}

	m.mu.Lock()
	if m.scanCancel != nil {
		m.scanCancel()
	}
	scanCtx, cancel := context.WithCancel(m.ctx)
	m.scanCancel = cancel
	m.scanning = true
	m.mu.Unlock()

	m.logger.Printf("BTManager: starting scan (filter %v)", serviceUUIDFilter)

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		err := m.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if scanCtx.Err() != nil {
				return
			}
			if len(filter) > 0 && !advertisesAny(result, filter) {
				return
			}
			d := m.deviceFor(result.Address)
			isNew := d.LastSeen().Unix() == 0
			d.observe(result, time.Now())
			if isNew {
				m.logger.Printf("BTManager: found %s (%s) [RSSI: %d]", d.LocalName(), d.Address(), result.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("BTManager: scan error: %v", err)
		}
	})

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				m.pruneStale()
				m.scanDevicesEvent.Notify(m.ScanDevices())
			}
		}
	})
}

func advertisesAny(result bluetooth.ScanResult, filter map[string]struct{}) bool {
	for _, u := range result.ServiceUUIDs() {
		if _, ok := filter[u.String()]; ok {
			return true
		}
	}
	return false
}

func (m *AdapterManager) pruneStale() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, d := range m.devices {
		if !d.IsConnected() && now.Sub(d.LastSeen()) > m.staleAge {
			delete(m.devices, addr)
			m.logger.Printf("BTManager: %s not seen for %v, dropped", addr, m.staleAge)
		}
	}
}

func (m *AdapterManager) StopScan() error {
	m.mu.Lock()
	m.scanning = false
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	m.mu.Unlock()
	return m.adapter.StopScan()
}

func (m *AdapterManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Device returns the device with address, or nil when it has not been seen.
func (m *AdapterManager) Device(address string) Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.devices[address]; ok {
		return d
	}
	return nil
}

// ScanDevices returns recently seen devices ordered by address.
func (m *AdapterManager) ScanDevices() []Device {
	m.mu.RLock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Connect starts a connection; completion is reported through the connect
// handler installed by Enable, so callers wait with Device.WaitForConnection.
func (m *AdapterManager) Connect(dev Device) error {
	m.mu.RLock()
	d, ok := m.devices[dev.Address()]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown device %s", dev.Address())
	}

	d.setState(Connecting)
	conn, err := m.adapter.Connect(d.address, bluetooth.ConnectionParams{})
	if err != nil {
		d.setState(Disconnected)
		return fmt.Errorf("connect %s: %w", d.Address(), err)
	}
	if !d.IsConnected() {
		d.setConnected(&conn)
	}
	return nil
}

func (m *AdapterManager) Disconnect(dev Device) error {
	m.mu.RLock()
	d, ok := m.devices[dev.Address()]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown device %s", dev.Address())
	}
	conn := d.connectedDevice()
	if conn == nil {
		return nil
	}
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", d.Address(), err)
	}
	d.setConnected(nil)
	return nil
}

func (m *AdapterManager) ListenToScanDevices(ch chan<- []Device) func() {
	return m.scanDevicesEvent.Listen(ch)
}

// Shutdown disconnects every device, stops scanning and waits for the
// manager's goroutines.
func (m *AdapterManager) Shutdown() {
	m.logger.Println("BTManager: shutting down")
	for _, d := range m.ScanDevices() {
		if !d.IsConnected() {
			continue
		}
		if err := m.Disconnect(d); err != nil {
			m.logger.Printf("BTManager: %v", err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: stop scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("BTManager: shutdown complete")
}
