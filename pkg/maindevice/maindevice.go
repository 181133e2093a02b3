// Package maindevice ties the link, the frame pool and the typed
// EtherCAT service API together. It is the object everything else in
// this module talks through.
package maindevice

import (
	"context"
	"fmt"
	"log/slog"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
	"github.com/samsamfire/goethercat/pkg/pdu"
	"github.com/samsamfire/goethercat/pkg/stats"
)

// WorkingCounterError reports a response whose working counter did
// not match the expectation for its service.
type WorkingCounterError struct {
	Command  frame.Command
	Address  uint32
	Expected uint16
	Got      uint16
}

func (e *WorkingCounterError) Error() string {
	return fmt.Sprintf("working counter mismatch on %v @ x%08x : expected %v got %v",
		e.Command, e.Address, e.Expected, e.Got)
}

// Default number of frame slots in the pool, enough for a full PDI
// exchange plus concurrent mailbox traffic.
const defaultFrameCount = 16

type MainDevice struct {
	cfg    *goethercat.Config
	logger *slog.Logger
	pool   *pdu.Pool
	link   link.Link
	stats  *stats.Stats
}

// New creates a MainDevice on the given link. A nil cfg uses
// [goethercat.DefaultConfig], a nil st disables metrics.
func New(lk link.Link, cfg *goethercat.Config, logger *slog.Logger, st *stats.Stats) (*MainDevice, error) {
	if lk == nil {
		return nil, goethercat.ErrIllegalArgument
	}
	if cfg == nil {
		cfg = goethercat.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pdu.NewPool(defaultFrameCount, cfg, logger, st)
	if err != nil {
		return nil, err
	}
	return &MainDevice{cfg: cfg, logger: logger, pool: pool, link: lk, stats: st}, nil
}

// Run drives the TX and RX workers, blocking until ctx is cancelled
// or the link fails. It must be running for any service call to
// complete.
func (m *MainDevice) Run(ctx context.Context) error {
	return m.pool.Run(ctx, m.link)
}

// Close disconnects the link, unblocking the RX worker.
func (m *MainDevice) Close() error {
	return m.link.Disconnect()
}

// Pool exposes the frame pool for multi-pdu frame construction
// (process data exchange, DC distribution).
func (m *MainDevice) Pool() *pdu.Pool {
	return m.pool
}

func (m *MainDevice) Config() *goethercat.Config {
	return m.cfg
}

func (m *MainDevice) Logger() *slog.Logger {
	return m.logger
}

func (m *MainDevice) Stats() *stats.Stats {
	return m.stats
}

// roundTrip performs one single-pdu single-frame exchange and returns
// a copy of the response payload with its working counter.
func (m *MainDevice) roundTrip(
	ctx context.Context,
	command frame.Command,
	address frame.Address,
	data []byte,
	length uint16,
) ([]byte, uint16, error) {

	created, err := m.pool.AllocateFrame()
	if err != nil {
		return nil, 0, err
	}
	handle, err := created.PushPDU(command, address, data, length)
	if err != nil {
		created.Release()
		return nil, 0, err
	}
	future, err := created.MarkSendable()
	if err != nil {
		created.Release()
		return nil, 0, err
	}
	received, err := future.Wait(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%v @ x%08x: %w", command, address.Raw(), err)
	}
	defer received.Close()
	payload, wkc, err := received.Take(handle)
	if err != nil {
		return nil, 0, err
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, wkc, nil
}

// checkWkc compares a working counter against the expectation for the
// issued service and surfaces a typed mismatch.
func (m *MainDevice) checkWkc(command frame.Command, address frame.Address, expected, got uint16) error {
	if got == expected {
		return nil
	}
	m.stats.WkcMismatch()
	return &WorkingCounterError{
		Command:  command,
		Address:  address.Raw(),
		Expected: expected,
		Got:      got,
	}
}
