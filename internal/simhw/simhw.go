// Package simhw provides drop-in replacements for the sampling-engine and
// trigger-timer drivers that require no hardware. The simulated engine
// synthesizes a triangle pattern (or a pinned test value), paces the buffer
// fill at the configured rate, and fires the completion callback exactly
// once per armed conversion, the way the DMA-complete interrupt would.
package simhw

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	minidaq "github.com/fossasia/pslab-mini-daq"
)

// Hardware ceilings of the simulated engine, in Hz.
const (
	maxRateSingle       = 1000000
	maxRateInterleaved  = 4000000
	maxRateSimultaneous = 2000000
)

// minFillTime keeps very small buffers from completing before the caller
// has returned from Start.
const minFillTime = 200 * time.Microsecond

// SimEngine is a software stand-in for the ADC/DMA/trigger engine.
type SimEngine struct {
	mu      sync.Mutex
	active  bool
	running bool
	cfg     minidaq.EngineConfig
	abort   chan struct{}

	callback atomic.Pointer[minidaq.CompleteFunc]

	refMilliVolts int
	phase         int
	pinned        minidaq.RawType
	hasPinned     bool
	hold          bool

	// Error injection for teardown-path tests.
	FailInit  error
	FailStart error
}

// NewSimEngine returns an idle simulated engine with a 3300 mV reference.
func NewSimEngine() *SimEngine {
	return &SimEngine{refMilliVolts: 3300}
}

// SetReferenceVoltage overrides the calibrated reference, in mV.
func (e *SimEngine) SetReferenceVoltage(mv int) {
	e.mu.Lock()
	e.refMilliVolts = mv
	e.mu.Unlock()
}

// SetSampleValue pins every synthesized sample to raw, instead of the
// triangle pattern. Useful for exact voltage checks.
func (e *SimEngine) SetSampleValue(raw minidaq.RawType) {
	e.mu.Lock()
	e.pinned = raw
	e.hasPinned = true
	e.mu.Unlock()
}

// SetHold makes armed conversions never complete until stopped, to exercise
// poll-timeout paths.
func (e *SimEngine) SetHold(hold bool) {
	e.mu.Lock()
	e.hold = hold
	e.mu.Unlock()
}

// Init claims the engine with the given configuration. A second Init before
// Deinit fails with ErrResourceBusy, matching the hardware's single
// conversion configuration.
func (e *SimEngine) Init(cfg minidaq.EngineConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailInit != nil {
		err := e.FailInit
		e.FailInit = nil
		return err
	}
	if e.active {
		return fmt.Errorf("%w: engine already claimed", minidaq.ErrResourceBusy)
	}
	if len(cfg.Buffer) == 0 {
		return fmt.Errorf("%w: empty buffer", minidaq.ErrInvalidArgument)
	}
	nwant := 1
	if cfg.Mode == minidaq.EngineSimultaneous {
		nwant = 2
	}
	if len(cfg.Channels) != nwant {
		return fmt.Errorf("%w: mode %s needs %d channel(s), got %d",
			minidaq.ErrInvalidArgument, cfg.Mode, nwant, len(cfg.Channels))
	}
	if cfg.SampleRate > e.maxSampleRate(cfg.Mode) {
		return fmt.Errorf("%w: sample rate %d above %s ceiling %d",
			minidaq.ErrInvalidArgument, cfg.SampleRate, cfg.Mode, e.maxSampleRate(cfg.Mode))
	}
	e.cfg = cfg
	e.active = true
	return nil
}

// Deinit releases the engine. Safe to call at any time.
func (e *SimEngine) Deinit() error {
	e.stop()
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
	return nil
}

// Start arms the engine: the "DMA" begins filling the configured buffer and
// the completion callback fires when it is full.
func (e *SimEngine) Start() error {
	e.mu.Lock()
	if e.FailStart != nil {
		err := e.FailStart
		e.FailStart = nil
		e.mu.Unlock()
		return err
	}
	if !e.active {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine not claimed", minidaq.ErrDeviceNotReady)
	}
	if e.running {
		// Re-arm: cancel the conversion in flight first.
		close(e.abort)
	}
	e.abort = make(chan struct{})
	e.running = true
	abort := e.abort
	cfg := e.cfg
	hold := e.hold
	e.mu.Unlock()

	go e.convert(cfg, abort, hold)
	return nil
}

// Stop halts any conversion in flight. Idempotent.
func (e *SimEngine) Stop() error {
	e.stop()
	return nil
}

func (e *SimEngine) stop() {
	e.mu.Lock()
	if e.running {
		close(e.abort)
		e.running = false
	}
	e.mu.Unlock()
}

// SetCompleteCallback registers fn as the conversion-complete consumer.
func (e *SimEngine) SetCompleteCallback(fn minidaq.CompleteFunc) {
	if fn == nil {
		e.callback.Store(nil)
		return
	}
	e.callback.Store(&fn)
}

// SampleRate reports the achieved conversion rate for the active
// configuration: the requested rate for buffered modes, or the single-shot
// rate reduced by the oversampling ratio.
func (e *SimEngine) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.SampleRate > 0 {
		return e.cfg.SampleRate
	}
	os := e.cfg.Oversampling
	if os < 1 {
		os = 1
	}
	return maxRateSingle / os
}

// ReferenceVoltage reports the calibrated full-scale voltage, in mV.
func (e *SimEngine) ReferenceVoltage() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refMilliVolts
}

// MaxSampleRate reports the per-mode hardware ceiling, in Hz.
func (e *SimEngine) MaxSampleRate(mode minidaq.EngineMode) int {
	return e.maxSampleRate(mode)
}

func (e *SimEngine) maxSampleRate(mode minidaq.EngineMode) int {
	switch mode {
	case minidaq.EngineInterleaved:
		return maxRateInterleaved
	case minidaq.EngineSimultaneous:
		return maxRateSimultaneous
	default:
		return maxRateSingle
	}
}

// convert emulates one armed conversion: wait for the buffer fill time, fill
// the buffer, then fire the completion callback once.
func (e *SimEngine) convert(cfg minidaq.EngineConfig, abort <-chan struct{}, hold bool) {
	if hold {
		<-abort
		return
	}
	n := len(cfg.Buffer)
	rate := cfg.SampleRate
	if rate <= 0 {
		os := cfg.Oversampling
		if os < 1 {
			os = 1
		}
		rate = maxRateSingle / os
	}
	fill := time.Duration(float64(n) / float64(rate) * float64(time.Second))
	if fill < minFillTime {
		fill = minFillTime
	}
	select {
	case <-abort:
		return
	case <-time.After(fill):
	}

	e.mu.Lock()
	for i := range cfg.Buffer {
		cfg.Buffer[i] = e.nextSample()
	}
	e.running = false
	e.mu.Unlock()

	if fn := e.callback.Load(); fn != nil {
		(*fn)(cfg.Buffer, n)
	}
}

// nextSample synthesizes one 12-bit sample. Callers hold e.mu.
func (e *SimEngine) nextSample() minidaq.RawType {
	if e.hasPinned {
		return e.pinned
	}
	const step = 64
	e.phase += step
	if e.phase >= 2*minidaq.RawFullScale {
		e.phase -= 2 * minidaq.RawFullScale
	}
	v := e.phase
	if v > minidaq.RawFullScale {
		v = 2*minidaq.RawFullScale - v
	}
	return minidaq.RawType(v)
}

// SimTimer is a software stand-in for the trigger-timer driver.
type SimTimer struct {
	mu      sync.Mutex
	freq    map[minidaq.TimerID]int
	started map[minidaq.TimerID]bool
}

// NewSimTimer returns a simulated timer bank with no timers configured.
func NewSimTimer() *SimTimer {
	return &SimTimer{
		freq:    make(map[minidaq.TimerID]int),
		started: make(map[minidaq.TimerID]bool),
	}
}

// Init configures timer id at the given trigger frequency.
func (t *SimTimer) Init(id minidaq.TimerID, freqHz int) error {
	if freqHz <= 0 {
		return fmt.Errorf("%w: timer frequency %d", minidaq.ErrInvalidArgument, freqHz)
	}
	t.mu.Lock()
	t.freq[id] = freqHz
	t.mu.Unlock()
	return nil
}

// Start begins trigger generation on timer id.
func (t *SimTimer) Start(id minidaq.TimerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.freq[id]; !ok {
		return fmt.Errorf("%w: timer %d not initialized", minidaq.ErrDeviceNotReady, id)
	}
	t.started[id] = true
	return nil
}

// Stop halts trigger generation on timer id. Idempotent.
func (t *SimTimer) Stop(id minidaq.TimerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.freq[id]; !ok {
		return fmt.Errorf("%w: timer %d not initialized", minidaq.ErrDeviceNotReady, id)
	}
	t.started[id] = false
	return nil
}

// Deinit releases timer id.
func (t *SimTimer) Deinit(id minidaq.TimerID) error {
	t.mu.Lock()
	delete(t.freq, id)
	delete(t.started, id)
	t.mu.Unlock()
	return nil
}

// Running reports whether timer id is generating triggers.
func (t *SimTimer) Running(id minidaq.TimerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started[id]
}

// Frequency reports the configured trigger frequency of timer id, in Hz.
func (t *SimTimer) Frequency(id minidaq.TimerID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freq[id]
}
