package minidaq

import (
	"fmt"
	"log"
	"sync/atomic"
)

// AcquisitionMode selects how the DSO uses the two hardware converters.
type AcquisitionMode int

// The buffered acquisition modes of the oscilloscope.
const (
	// SingleChannelDoubleRate alternates one front-end channel across both
	// converters to double the throughput.
	SingleChannelDoubleRate AcquisitionMode = iota + 1
	// DualChannelSimultaneous samples both front-end channels on every
	// trigger, one sample per channel.
	DualChannelSimultaneous
)

func (m AcquisitionMode) String() string {
	switch m {
	case SingleChannelDoubleRate:
		return "single-channel double-rate"
	case DualChannelSimultaneous:
		return "dual-channel simultaneous"
	}
	return "invalid"
}

// engineModeForScope maps an acquisition mode onto the engine topology.
func engineModeForScope(m AcquisitionMode) EngineMode {
	if m == DualChannelSimultaneous {
		return EngineSimultaneous
	}
	return EngineInterleaved
}

// ScopeConfig configures one buffered acquisition. Buffer ownership
// transfers into the configuration; OnComplete is invoked (from the
// engine's completion context) when the buffer fills.
type ScopeConfig struct {
	Mode       AcquisitionMode
	Channel    int // front-end channel, double-rate mode only
	SampleRate int // Hz
	Buffer     []RawType
	OnComplete func()
}

// DSO is the oscilloscope instrument: buffered multi-sample acquisition on
// one engine session. An acquisition self-terminates when the buffer fills;
// the caller is only notified. At most one DSO exists at a time, enforced by
// the hardware engine claim.
type DSO struct {
	session *Session
	timer   TimerDriver
	cfg     ScopeConfig
	running atomic.Bool

	// notify is read from the engine's completion context after running has
	// been cleared, at which point the foreground is free to reconfigure and
	// rewrite cfg. It therefore lives behind an atomic pointer, like
	// Session.callback.
	notify atomic.Pointer[func()]
}

// validateScopeConfig rejects malformed scope configurations before any
// hardware is touched. ceil gives the hardware rate ceiling per engine mode.
func validateScopeConfig(cfg ScopeConfig, ceil func(EngineMode) int) error {
	if len(cfg.Buffer) == 0 {
		return fmt.Errorf("%w: scope config needs a non-empty buffer", ErrInvalidArgument)
	}
	switch cfg.Mode {
	case SingleChannelDoubleRate:
		if cfg.Channel < 0 || cfg.Channel >= NumScopeChannels {
			return fmt.Errorf("%w: scope channel %d out of range [0,%d)",
				ErrInvalidArgument, cfg.Channel, NumScopeChannels)
		}
	case DualChannelSimultaneous:
		// Both channels are implied.
	default:
		return fmt.Errorf("%w: acquisition mode %d", ErrInvalidArgument, cfg.Mode)
	}
	maxRate := ceil(engineModeForScope(cfg.Mode))
	if cfg.SampleRate <= 0 || cfg.SampleRate > maxRate {
		return fmt.Errorf("%w: sample rate %d outside (0,%d] for %s mode",
			ErrInvalidArgument, cfg.SampleRate, maxRate, cfg.Mode)
	}
	return nil
}

// NewDSO validates cfg and claims the engine and trigger timer for buffered
// acquisition. The instrument is created stopped; call Start to acquire.
// Any step's failure tears down everything allocated in this call.
func NewDSO(engine EngineDriver, timer TimerDriver, cfg ScopeConfig) (*DSO, error) {
	if err := validateScopeConfig(cfg, engine.MaxSampleRate); err != nil {
		return nil, err
	}
	d := &DSO{
		session: NewSession(engine),
		timer:   timer,
	}
	if err := d.bringup(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// bringup claims the engine session and trigger timer for cfg. It is shared
// by construction and reconfiguration; cfg must already be validated.
func (d *DSO) bringup(cfg ScopeConfig) error {
	var channels []int
	if cfg.Mode == DualChannelSimultaneous {
		channels = []int{0, 1}
	} else {
		channels = []int{cfg.Channel}
	}
	ecfg := EngineConfig{
		Mode:         engineModeForScope(cfg.Mode),
		Channels:     channels,
		Trigger:      TriggerTimer,
		Oversampling: 1,
		SampleRate:   cfg.SampleRate,
		Buffer:       cfg.Buffer,
	}
	if err := d.session.Init(ecfg); err != nil {
		return err
	}
	d.session.SetCallback(d.acquisitionDone)
	if err := d.timer.Init(ScanTimer, cfg.SampleRate); err != nil {
		d.session.Deinit()
		return fmt.Errorf("trigger timer init: %w", err)
	}
	d.cfg = cfg
	if cfg.OnComplete != nil {
		fn := cfg.OnComplete
		d.notify.Store(&fn)
	} else {
		d.notify.Store(nil)
	}
	return nil
}

// teardown releases the trigger timer and engine session.
func (d *DSO) teardown() {
	if err := d.timer.Stop(ScanTimer); err != nil {
		log.Printf("DSO teardown: trigger timer stop: %v", err)
	}
	if err := d.timer.Deinit(ScanTimer); err != nil {
		log.Printf("DSO teardown: trigger timer deinit: %v", err)
	}
	if err := d.session.Deinit(); err != nil {
		log.Printf("DSO teardown: engine deinit: %v", err)
	}
}

// acquisitionDone runs in the engine's completion context when the buffer
// has filled: clear running, stop the trigger pulses, notify the caller.
// No logging or allocation here. The notifier is loaded atomically because
// clearing running releases the foreground to reconfigure and rewrite cfg.
func (d *DSO) acquisitionDone(buf []RawType, n int) {
	d.running.Store(false)
	d.timer.Stop(ScanTimer)
	if fn := d.notify.Load(); fn != nil {
		(*fn)()
	}
}

// Start begins the acquisition. The engine is armed (DMA ready) before the
// trigger timer starts; the reverse order loses the first trigger pulses.
// A start failure stops both engine and timer before returning.
func (d *DSO) Start() error {
	if d.running.Load() {
		return fmt.Errorf("%w: acquisition already in progress", ErrResourceBusy)
	}
	d.running.Store(true)
	if err := d.session.Start(); err != nil {
		d.running.Store(false)
		return err
	}
	if err := d.timer.Start(ScanTimer); err != nil {
		d.running.Store(false)
		if serr := d.session.Stop(); serr != nil {
			log.Printf("DSO start rollback: engine stop: %v", serr)
		}
		if terr := d.timer.Stop(ScanTimer); terr != nil {
			log.Printf("DSO start rollback: trigger timer stop: %v", terr)
		}
		return fmt.Errorf("trigger timer start: %w", err)
	}
	return nil
}

// Stop halts the acquisition: trigger pulses first, then the engine, the
// mirror image of Start. Stopping an idle instrument is allowed and logged.
func (d *DSO) Stop() error {
	if !d.running.Swap(false) {
		log.Printf("DSO stop: no acquisition in progress")
	}
	var firstErr error
	if err := d.timer.Stop(ScanTimer); err != nil {
		firstErr = fmt.Errorf("trigger timer stop: %w", err)
	}
	if err := d.session.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SetConfig replaces the acquisition configuration. It fails with
// ErrResourceBusy while an acquisition is running, leaving the running
// configuration untouched. There is no incremental reconfiguration: the
// engine and timer are fully torn down and brought back up, and on failure
// the previous configuration is restored.
func (d *DSO) SetConfig(cfg ScopeConfig) error {
	if d.running.Load() {
		return fmt.Errorf("%w: cannot reconfigure while acquisition in progress", ErrResourceBusy)
	}
	if err := validateScopeConfig(cfg, d.session.MaxSampleRate); err != nil {
		return err
	}
	old := d.cfg
	d.teardown()
	if err := d.bringup(cfg); err != nil {
		if rerr := d.bringup(old); rerr != nil {
			ProblemLogger.Printf("DSO reconfigure rollback failed: %v", rerr)
		}
		return err
	}
	return nil
}

// Config returns the active configuration. The buffer is the one the engine
// writes into.
func (d *DSO) Config() ScopeConfig {
	return d.cfg
}

// ReferenceVoltage reports the engine's calibrated full-scale voltage in mV.
func (d *DSO) ReferenceVoltage() int {
	return d.session.ReferenceVoltage()
}

// MaxSampleRate reports the hardware rate ceiling for an acquisition mode.
func (d *DSO) MaxSampleRate(m AcquisitionMode) int {
	return d.session.MaxSampleRate(engineModeForScope(m))
}

// InProgress reports whether an acquisition is running. The command layer
// polls this to gate reconfiguration and to wait for completion.
func (d *DSO) InProgress() bool {
	return d.running.Load()
}

// Close stops everything and releases the engine and timer. The DSO must
// not be used afterward.
func (d *DSO) Close() error {
	d.running.Store(false)
	d.teardown()
	return nil
}
