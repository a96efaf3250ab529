package bt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/wristlink/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type DeviceState int

const (
	Disconnected DeviceState = iota
	Connecting
	Connected
)

func (s DeviceState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Device is one BLE peripheral seen by a scan.
type Device interface {
	Address() string
	LocalName() string
	RSSI() int16
	LastSeen() time.Time
	State() DeviceState
	IsConnected() bool
	HasServiceUUID(uuid string) bool
	WaitForConnection(timeout time.Duration) error
	EnableNotifications(serviceUUID, characteristicUUID string, callback func(buf []byte)) error
	DisableNotifications(serviceUUID, characteristicUUID string) error
}

type device struct {
	logger  *log.Logger
	address bluetooth.Address

	mu           sync.RWMutex
	localName    string
	rssi         int16
	lastSeen     time.Time
	state        DeviceState
	connected    *bluetooth.Device
	serviceUUIDs []string

	// Serialises GATT discovery and notification setup.
	gattMu          sync.Mutex
	services        *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristics *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	servicesFound   bool
}

func newDevice(logger *log.Logger, address bluetooth.Address) *device {
	return &device{
		logger:          logger,
		address:         address,
		localName:       "Unknown",
		lastSeen:        time.Unix(0, 0),
		services:        safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristics: safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
	}
}

func (d *device) Address() string {
	return d.address.String()
}

func (d *device) LocalName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localName
}

func (d *device) RSSI() int16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

func (d *device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

func (d *device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *device) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected != nil
}

func (d *device) HasServiceUUID(uuid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.serviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (d *device) WaitForConnection(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		if d.IsConnected() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("timeout after %v waiting for connection to %s", timeout, d.Address())
		}
	}
}

func (d *device) EnableNotifications(serviceUUID, characteristicUUID string, callback func(buf []byte)) error {
	d.gattMu.Lock()
	defer d.gattMu.Unlock()

	char, err := d.characteristic(serviceUUID, characteristicUUID)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(callback); err != nil {
		return fmt.Errorf("enable notifications on %s: %w", characteristicUUID, err)
	}
	d.logger.Printf("BTDevice: notifications enabled for %s on %s", characteristicUUID, d.Address())
	return nil
}

func (d *device) DisableNotifications(serviceUUID, characteristicUUID string) error {
	d.gattMu.Lock()
	defer d.gattMu.Unlock()

	char, err := d.characteristic(serviceUUID, characteristicUUID)
	if err != nil {
		return err
	}
	// A nil callback turns notifications off.
	if err := char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("disable notifications on %s: %w", characteristicUUID, err)
	}
	return nil
}

func (d *device) observe(result bluetooth.ScanResult, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name := result.LocalName(); name != "" {
		d.localName = name
	}
	d.rssi = result.RSSI
	d.lastSeen = at
	uuids := result.ServiceUUIDs()
	d.serviceUUIDs = make([]string, 0, len(uuids))
	for _, u := range uuids {
		d.serviceUUIDs = append(d.serviceUUIDs, u.String())
	}
}

func (d *device) setConnected(dev *bluetooth.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = dev
	if dev != nil {
		d.state = Connected
		return
	}
	d.state = Disconnected
	d.services.Clear()
	d.characteristics.Clear()
	d.servicesFound = false
}

func (d *device) setState(state DeviceState) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

func (d *device) connectedDevice() *bluetooth.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// characteristic resolves a characteristic, discovering every service and
// every characteristic of the service at once: discovering them one by one
// interrupts notifications already enabled on the device.
// Must be called with gattMu held.
func (d *device) characteristic(serviceUUID, characteristicUUID string) (*bluetooth.DeviceCharacteristic, error) {
	key := serviceUUID + "_" + characteristicUUID
	if char, ok := d.characteristics.Load(key); ok {
		return char, nil
	}

	conn := d.connectedDevice()
	if conn == nil {
		return nil, errors.New("device not connected")
	}

	if !d.servicesFound {
		services, err := conn.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("discover services: %w", err)
		}
		for i := range services {
			svc := &services[i]
			d.services.Store(svc.UUID().String(), svc)
		}
		d.servicesFound = true
	}

	svc, ok := d.services.Load(serviceUUID)
	if !ok {
		return nil, fmt.Errorf("service %s not found on %s", serviceUUID, d.Address())
	}
	chars, err := svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("discover characteristics of %s: %w", serviceUUID, err)
	}
	for i := range chars {
		char := &chars[i]
		d.characteristics.Store(serviceUUID+"_"+char.UUID().String(), char)
	}

	char, ok := d.characteristics.Load(key)
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found in service %s", characteristicUUID, serviceUUID)
	}
	return char, nil
}
