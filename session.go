package minidaq

import (
	"fmt"
	"sync/atomic"
)

// Session wraps the sampling-engine driver behind a single handle. A session
// owns exactly one active hardware conversion configuration and dispatches
// one completion callback. Both instruments (DMM, DSO) are built on one
// Session each; the driver below rejects a second concurrent claim, which is
// what enforces the one-instrument-at-a-time rule at the hardware.
type Session struct {
	drv   EngineDriver
	cfg   EngineConfig
	ready bool

	// callback is read from the driver's completion context and written from
	// the task context, so it lives behind an atomic pointer.
	callback atomic.Pointer[CompleteFunc]
}

// NewSession returns a Session over the given engine driver. The session is
// not ready until Init succeeds.
func NewSession(drv EngineDriver) *Session {
	return &Session{drv: drv}
}

// validOversampling reports whether r is a power of two in [1,256].
func validOversampling(r int) bool {
	return r >= 1 && r <= 256 && r&(r-1) == 0
}

// Init validates cfg and claims the hardware engine. It fails with
// ErrResourceBusy if this session (or, via the driver, any other) is already
// active, and with ErrInvalidArgument on a nil/empty buffer or an
// oversampling ratio that is not a power of two in [1,256]. If the driver
// rejects the configuration, no partially-registered state survives.
func (s *Session) Init(cfg EngineConfig) error {
	if s.ready {
		return fmt.Errorf("%w: engine session already active", ErrResourceBusy)
	}
	if len(cfg.Buffer) == 0 {
		return fmt.Errorf("%w: engine config needs a non-empty buffer", ErrInvalidArgument)
	}
	if !validOversampling(cfg.Oversampling) {
		return fmt.Errorf("%w: oversampling ratio %d is not a power of two in [1,256]",
			ErrInvalidArgument, cfg.Oversampling)
	}
	if err := s.drv.Init(cfg); err != nil {
		return fmt.Errorf("engine driver init: %w", err)
	}
	s.drv.SetCompleteCallback(s.complete)
	s.cfg = cfg
	s.ready = true
	return nil
}

// Deinit stops the hardware unconditionally, then releases the engine. It is
// idempotent; calling it on a never-initialized session is a no-op.
func (s *Session) Deinit() error {
	if !s.ready {
		return nil
	}
	var firstErr error
	if err := s.drv.Stop(); err != nil {
		firstErr = err
	}
	if err := s.drv.Deinit(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.drv.SetCompleteCallback(nil)
	s.callback.Store(nil)
	s.ready = false
	if firstErr != nil {
		return fmt.Errorf("engine driver deinit: %w", firstErr)
	}
	return nil
}

// Start arms the engine for conversion (DMA ready, waiting on triggers).
func (s *Session) Start() error {
	if !s.ready {
		return fmt.Errorf("%w: engine session not initialized", ErrDeviceNotReady)
	}
	if err := s.drv.Start(); err != nil {
		return fmt.Errorf("engine driver start: %w", err)
	}
	return nil
}

// Stop halts conversions without releasing the configuration.
func (s *Session) Stop() error {
	if !s.ready {
		return fmt.Errorf("%w: engine session not initialized", ErrDeviceNotReady)
	}
	if err := s.drv.Stop(); err != nil {
		return fmt.Errorf("engine driver stop: %w", err)
	}
	return nil
}

// Restart re-arms the engine for the next conversion with the configuration
// unchanged.
func (s *Session) Restart() error {
	if !s.ready {
		return fmt.Errorf("%w: engine session not initialized", ErrDeviceNotReady)
	}
	if err := s.drv.Stop(); err != nil {
		return fmt.Errorf("engine driver stop: %w", err)
	}
	if err := s.drv.Start(); err != nil {
		return fmt.Errorf("engine driver start: %w", err)
	}
	return nil
}

// SetCallback replaces the session's single completion consumer. At most one
// subscriber exists; the last write wins. A nil fn unsubscribes.
func (s *Session) SetCallback(fn CompleteFunc) {
	if fn == nil {
		s.callback.Store(nil)
		return
	}
	s.callback.Store(&fn)
}

// complete is the trampoline the driver invokes from its completion context.
// It only forwards to the registered consumer, keeping the interrupt-side
// work O(1).
func (s *Session) complete(buf []RawType, n int) {
	if fn := s.callback.Load(); fn != nil {
		(*fn)(buf, n)
	}
}

// Ready reports whether Init has succeeded and Deinit has not been called.
func (s *Session) Ready() bool {
	return s.ready
}

// Config returns the active hardware configuration.
func (s *Session) Config() EngineConfig {
	return s.cfg
}

// SampleRate reports the conversion rate the hardware actually achieves for
// the active configuration.
func (s *Session) SampleRate() int {
	return s.drv.SampleRate()
}

// ReferenceVoltage reports the calibrated full-scale voltage in mV.
func (s *Session) ReferenceVoltage() int {
	return s.drv.ReferenceVoltage()
}

// MaxSampleRate reports the hardware ceiling in Hz for the given mode.
func (s *Session) MaxSampleRate(mode EngineMode) int {
	return s.drv.MaxSampleRate(mode)
}
