package minidaq

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/fossasia/pslab-mini-daq/internal/fixedpoint"
)

// rawToMilliVolts converts a 12-bit sample code to millivolts against the
// calibrated reference, in Q16.16 fixed point.
func rawToMilliVolts(raw, vrefMilliVolts int) int {
	return fixedpoint.ScaleInt(raw, vrefMilliVolts, RawFullScale)
}

// MeterConfig configures the DMM: one multiplexed input channel sampled
// continuously, one conversion at a time, with hardware oversampling.
type MeterConfig struct {
	Channel      int // 0..NumMeterChannels-1
	Oversampling int // power of two in [1,256]
}

// DMM is the voltmeter instrument: continuous single-channel single-sample
// acquisition presenting latest-value semantics. At most one DMM exists at a
// time; a second construction fails with ErrResourceBusy because both would
// claim the one hardware engine.
type DMM struct {
	session *Session
	timer   TimerDriver
	cfg     MeterConfig
	buf     []RawType // the one-sample conversion target

	// Interrupt-to-task mailbox: the completion callback stores the sample
	// then raises fresh; the reader consumes in the opposite order.
	sample atomic.Uint32
	fresh  atomic.Bool
}

// engineChannelForMeter maps a front-panel DMM channel to the engine channel
// feeding the converter. The mini front end wires the multiplexer outputs
// straight through, so the mapping is the identity.
func engineChannelForMeter(ch int) int {
	return ch
}

// validateMeterConfig rejects malformed DMM configurations before any
// hardware is touched.
func validateMeterConfig(cfg MeterConfig) error {
	if cfg.Channel < 0 || cfg.Channel >= NumMeterChannels {
		return fmt.Errorf("%w: meter channel %d out of range [0,%d)",
			ErrInvalidArgument, cfg.Channel, NumMeterChannels)
	}
	if !validOversampling(cfg.Oversampling) {
		return fmt.Errorf("%w: oversampling ratio %d is not a power of two in [1,256]",
			ErrInvalidArgument, cfg.Oversampling)
	}
	return nil
}

// NewDMM validates cfg, claims the engine for single-sample conversions, and
// starts the scan timer and engine. On any step's failure everything
// allocated earlier in the call is torn down before the error is returned.
func NewDMM(engine EngineDriver, timer TimerDriver, cfg MeterConfig) (*DMM, error) {
	if err := validateMeterConfig(cfg); err != nil {
		return nil, err
	}

	m := &DMM{
		session: NewSession(engine),
		timer:   timer,
		cfg:     cfg,
		buf:     make([]RawType, 1),
	}
	ecfg := EngineConfig{
		Mode:         EngineSingle,
		Channels:     []int{engineChannelForMeter(cfg.Channel)},
		Trigger:      TriggerTimer,
		Oversampling: cfg.Oversampling,
		Buffer:       m.buf,
	}
	if err := m.session.Init(ecfg); err != nil {
		return nil, err
	}
	m.session.SetCallback(m.conversionDone)

	// The scan timer runs at whatever rate the engine reports it can
	// actually sustain for this oversampling ratio.
	if err := m.timer.Init(ScanTimer, m.session.SampleRate()); err != nil {
		m.session.Deinit()
		return nil, fmt.Errorf("scan timer init: %w", err)
	}
	if err := m.timer.Start(ScanTimer); err != nil {
		m.timer.Deinit(ScanTimer)
		m.session.Deinit()
		return nil, fmt.Errorf("scan timer start: %w", err)
	}
	if err := m.session.Start(); err != nil {
		m.timer.Stop(ScanTimer)
		m.timer.Deinit(ScanTimer)
		m.session.Deinit()
		return nil, err
	}
	return m, nil
}

// conversionDone runs in the engine's completion context. It does nothing
// but fill the mailbox: last value wins, no queue.
func (m *DMM) conversionDone(buf []RawType, n int) {
	if n < 1 {
		return
	}
	m.sample.Store(uint32(buf[0]))
	m.fresh.Store(true)
}

// ReadVoltage is the non-blocking try-read. When a conversion has completed
// since the last read it returns the voltage in mV and true, consumes the
// mailbox, and re-arms the engine for the next conversion; otherwise it
// returns 0 and false. A failure to re-arm is logged, not returned: the
// reading already obtained is still good. Blocking behavior belongs to the
// command layer, which polls this against a deadline.
func (m *DMM) ReadVoltage() (millivolts int, ok bool) {
	if !m.fresh.Load() {
		return 0, false
	}
	raw := int(m.sample.Load()) & RawFullScale
	vref := m.session.ReferenceVoltage()
	millivolts = rawToMilliVolts(raw, vref)
	m.fresh.Store(false)
	if err := m.session.Restart(); err != nil {
		ProblemLogger.Printf("DMM re-arm after read failed: %v", err)
	}
	return millivolts, true
}

// Config returns the meter configuration.
func (m *DMM) Config() MeterConfig {
	return m.cfg
}

// Close stops the scan timer and the engine and releases both. The DMM must
// not be used afterward.
func (m *DMM) Close() error {
	if err := m.timer.Stop(ScanTimer); err != nil {
		log.Printf("DMM close: scan timer stop: %v", err)
	}
	if err := m.timer.Deinit(ScanTimer); err != nil {
		log.Printf("DMM close: scan timer deinit: %v", err)
	}
	return m.session.Deinit()
}
