package bt

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lowaak/wristlink/internal/events"
	"github.com/lowaak/wristlink/internal/safe_map"
)

// MockDevice is an in-process Device. Whatever drives it pushes data to the
// subscribed callbacks with Notify.
type MockDevice struct {
	address      string
	localName    string
	serviceUUIDs []string
	logger       *log.Logger

	mu       sync.RWMutex
	rssi     int16
	state    DeviceState
	lastSeen time.Time

	callbacks *safe_map.SafeMap[string, func([]byte)]
}

var _ Device = (*MockDevice)(nil)

func NewMockDevice(address, localName string, serviceUUIDs []string, logger *log.Logger) *MockDevice {
	if logger == nil {
		panic("MockDevice: logger cannot be nil")
	}
	return &MockDevice{
		address:      address,
		localName:    localName,
		serviceUUIDs: serviceUUIDs,
		logger:       logger,
		rssi:         -60,
		lastSeen:     time.Unix(0, 0),
		callbacks:    safe_map.NewSafeMap[string, func([]byte)](),
	}
}

func (d *MockDevice) Address() string   { return d.address }
func (d *MockDevice) LocalName() string { return d.localName }

func (d *MockDevice) RSSI() int16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

func (d *MockDevice) SetRSSI(rssi int16) {
	d.mu.Lock()
	d.rssi = rssi
	d.mu.Unlock()
}

func (d *MockDevice) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

func (d *MockDevice) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *MockDevice) IsConnected() bool {
	return d.State() == Connected
}

func (d *MockDevice) HasServiceUUID(uuid string) bool {
	for _, u := range d.serviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (d *MockDevice) WaitForConnection(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !d.IsConnected() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout after %v waiting for connection to %s", timeout, d.address)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (d *MockDevice) EnableNotifications(serviceUUID, characteristicUUID string, callback func(buf []byte)) error {
	if !d.IsConnected() {
		return fmt.Errorf("device %s not connected", d.address)
	}
	if !d.HasServiceUUID(serviceUUID) {
		return fmt.Errorf("service %s not found on %s", serviceUUID, d.address)
	}
	d.callbacks.Store(serviceUUID+"_"+characteristicUUID, callback)
	d.logger.Printf("MockDevice: notifications enabled for %s on %s", characteristicUUID, d.address)
	return nil
}

func (d *MockDevice) DisableNotifications(serviceUUID, characteristicUUID string) error {
	d.callbacks.Delete(serviceUUID + "_" + characteristicUUID)
	return nil
}

// Notify delivers buf to the subscriber of the characteristic and reports
// whether there was one.
func (d *MockDevice) Notify(serviceUUID, characteristicUUID string, buf []byte) bool {
	if !d.IsConnected() {
		return false
	}
	cb, ok := d.callbacks.Load(serviceUUID + "_" + characteristicUUID)
	if !ok || cb == nil {
		return false
	}
	cb(buf)
	return true
}

func (d *MockDevice) setState(state DeviceState) {
	d.mu.Lock()
	d.state = state
	if state == Disconnected {
		d.callbacks.Clear()
	}
	d.mu.Unlock()
}

func (d *MockDevice) seen(at time.Time) {
	d.mu.Lock()
	d.lastSeen = at
	d.mu.Unlock()
}

// MockManager is a Manager over a fixed set of MockDevices. A scan "finds"
// every device matching the filter immediately.
type MockManager struct {
	logger  *log.Logger
	devices []*MockDevice

	mu       sync.RWMutex
	enabled  bool
	scanning bool
	filter   []string

	scanDevicesEvent *events.ChannelEvent[[]Device]
}

var _ Manager = (*MockManager)(nil)

func NewMockManager(logger *log.Logger, devices ...*MockDevice) *MockManager {
	if logger == nil {
		panic("MockManager: logger cannot be nil")
	}
	return &MockManager{
		logger:           logger,
		devices:          devices,
		scanDevicesEvent: events.NewChannelEvent[[]Device](true),
	}
}

func (m *MockManager) Enable() error {
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
	m.logger.Println("MockManager: enabled")
	return nil
}

func (m *MockManager) StartScan(serviceUUIDFilter []string) {
	m.mu.Lock()
	m.scanning = true
	m.filter = serviceUUIDFilter
	m.mu.Unlock()

	now := time.Now()
	for _, d := range m.devices {
		if m.matches(d) {
			d.seen(now)
		}
	}
	m.logger.Printf("MockManager: scanning (filter %v)", serviceUUIDFilter)
	m.scanDevicesEvent.Notify(m.ScanDevices())
}

func (m *MockManager) matches(d *MockDevice) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.filter) == 0 {
		return true
	}
	for _, u := range m.filter {
		if d.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

func (m *MockManager) StopScan() error {
	m.mu.Lock()
	m.scanning = false
	m.mu.Unlock()
	return nil
}

func (m *MockManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *MockManager) Device(address string) Device {
	for _, d := range m.devices {
		if d.address == address && d.LastSeen().Unix() != 0 {
			return d
		}
	}
	return nil
}

// ScanDevices returns the devices seen by a scan so far.
func (m *MockManager) ScanDevices() []Device {
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		if d.LastSeen().Unix() != 0 {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

func (m *MockManager) Connect(dev Device) error {
	d := m.find(dev.Address())
	if d == nil {
		return fmt.Errorf("unknown device %s", dev.Address())
	}
	m.mu.RLock()
	enabled := m.enabled
	m.mu.RUnlock()
	if !enabled {
		return fmt.Errorf("connect %s: adapter not enabled", d.address)
	}
	d.setState(Connected)
	m.logger.Printf("MockManager: connected %s", d.address)
	return nil
}

func (m *MockManager) Disconnect(dev Device) error {
	d := m.find(dev.Address())
	if d == nil {
		return fmt.Errorf("unknown device %s", dev.Address())
	}
	d.setState(Disconnected)
	m.logger.Printf("MockManager: disconnected %s", d.address)
	return nil
}

func (m *MockManager) find(address string) *MockDevice {
	for _, d := range m.devices {
		if d.address == address {
			return d
		}
	}
	return nil
}

func (m *MockManager) ListenToScanDevices(ch chan<- []Device) func() {
	return m.scanDevicesEvent.Listen(ch)
}

func (m *MockManager) Shutdown() {
	for _, d := range m.devices {
		if d.IsConnected() {
			d.setState(Disconnected)
		}
	}
	_ = m.StopScan()
	m.logger.Println("MockManager: shutdown complete")
}
