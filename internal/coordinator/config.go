package coordinator

import (
	"time"

	"github.com/lowaak/wristlink/internal/protocol"
)

type Config struct {
	Role protocol.Role
	// ProviderTimeout bounds each heart-rate or speed read on the peripheral.
	ProviderTimeout time.Duration
	// ResultTimeout bounds how long the hub stays Sampling waiting for a
	// SampleResult.
	ResultTimeout time.Duration
	// SendTimeout bounds a single one-way send on the link.
	SendTimeout time.Duration
	InboxSize   int
}

func DefaultConfig(role protocol.Role) Config {
	return Config{
		Role:            role,
		ProviderTimeout: 2 * time.Second,
		ResultTimeout:   10 * time.Second,
		SendTimeout:     5 * time.Second,
		InboxSize:       64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Role)
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = d.ResultTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}
