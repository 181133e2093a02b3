package goethercat

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// RetryBehaviour controls what happens when a frame round-trip times out.
type RetryBehaviour uint8

const (
	// RetryNone surfaces a timeout to the caller on first expiry.
	RetryNone RetryBehaviour = iota
	// RetryCount re-sends the same frame up to Config.RetryCount times.
	RetryCount
	// RetryForever re-sends the same frame until a response arrives.
	RetryForever
)

// Config holds the tunable timing and retry parameters of a MainDevice.
// The zero value is not usable, start from [DefaultConfig].
type Config struct {
	RetryBehaviour RetryBehaviour
	RetryCount     uint8
	// Poll cadence of busy-wait loops (AL status, SII, mailbox).
	// Zero is fine on systems with high resolution timers, coarse
	// timer systems should use a few milliseconds to avoid spurious
	// timeouts.
	WaitLoopDelay          time.Duration
	StateTransitionTimeout time.Duration
	PduTimeout             time.Duration
	MailboxResponseTimeout time.Duration
	EepromTimeout          time.Duration
	// Number of reference clock distribution frames sent during
	// static drift compensation.
	DcStaticSyncIterations uint32
}

func DefaultConfig() *Config {
	return &Config{
		RetryBehaviour:         RetryNone,
		RetryCount:             0,
		WaitLoopDelay:          0,
		StateTransitionTimeout: 5 * time.Second,
		PduTimeout:             100 * time.Millisecond,
		MailboxResponseTimeout: 1 * time.Second,
		EepromTimeout:          1 * time.Second,
		DcStaticSyncIterations: 10_000,
	}
}

// LoadConfig reads a master configuration file in ini format.
// Missing keys keep their defaults.
//
//	[maindevice]
//	retry = count
//	retry_count = 2
//	pdu_timeout_ms = 100
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %v: %w", path, err)
	}
	section := file.Section("maindevice")
	switch retry := section.Key("retry").In("none", []string{"none", "count", "forever"}); retry {
	case "none":
		cfg.RetryBehaviour = RetryNone
	case "count":
		cfg.RetryBehaviour = RetryCount
	case "forever":
		cfg.RetryBehaviour = RetryForever
	}
	cfg.RetryCount = uint8(section.Key("retry_count").MustUint(0))
	cfg.WaitLoopDelay = time.Duration(section.Key("wait_loop_delay_us").MustUint64(0)) * time.Microsecond
	cfg.StateTransitionTimeout = time.Duration(section.Key("state_transition_timeout_ms").MustUint64(5000)) * time.Millisecond
	cfg.PduTimeout = time.Duration(section.Key("pdu_timeout_ms").MustUint64(100)) * time.Millisecond
	cfg.MailboxResponseTimeout = time.Duration(section.Key("mailbox_timeout_ms").MustUint64(1000)) * time.Millisecond
	cfg.EepromTimeout = time.Duration(section.Key("eeprom_timeout_ms").MustUint64(1000)) * time.Millisecond
	cfg.DcStaticSyncIterations = uint32(section.Key("dc_static_sync_iterations").MustUint(10_000))
	return cfg, nil
}
