package bt

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// DeviceRole names what a remembered device is used for.
type DeviceRole string

const RoleHeartRateStrap DeviceRole = "heart_rate_strap"

type preferencesFile struct {
	PreferredDevices map[string]string `toml:"preferred_devices"`
}

// Preferences remembers the last device used per role so it can be
// reconnected on the next start.
type Preferences struct {
	path   string
	logger *log.Logger

	mu   sync.Mutex
	data preferencesFile
}

// DefaultPreferencesPath is ~/.wristlink/devices.toml.
func DefaultPreferencesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".wristlink", "devices.toml")
}

// LoadPreferences reads path. A missing or unreadable file yields empty
// preferences; the problem is logged.
func LoadPreferences(path string, logger *log.Logger) *Preferences {
	if logger == nil {
		panic("Preferences: logger cannot be nil")
	}
	p := &Preferences{
		path:   path,
		logger: logger,
		data:   preferencesFile{PreferredDevices: make(map[string]string)},
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Printf("Preferences: %s does not exist yet", path)
		return p
	case err != nil:
		logger.Printf("Preferences: read %s: %v", path, err)
		return p
	}
	if err := toml.Unmarshal(raw, &p.data); err != nil {
		logger.Printf("Preferences: parse %s: %v", path, err)
		p.data = preferencesFile{}
	}
	if p.data.PreferredDevices == nil {
		p.data.PreferredDevices = make(map[string]string)
	}
	return p
}

func (p *Preferences) PreferredDevice(role DeviceRole) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.PreferredDevices[string(role)]
}

// SetPreferredDevice records address for role and writes the file.
func (p *Preferences) SetPreferredDevice(role DeviceRole, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data.PreferredDevices[string(role)] == address {
		return nil
	}
	p.data.PreferredDevices[string(role)] = address
	return p.save()
}

// save must be called with mu held.
func (p *Preferences) save() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}
	raw, err := toml.Marshal(p.data)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := os.WriteFile(p.path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p.path, err)
	}
	p.logger.Printf("Preferences: saved %s", p.path)
	return nil
}
