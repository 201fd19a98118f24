package minidaq

import (
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"

	"github.com/fossasia/pslab-mini-daq/internal/capturedb"
)

// ChannelSelect is the host-visible channel selector for the oscilloscope.
type ChannelSelect int

// The selectable scope inputs.
const (
	SelectChannelA ChannelSelect = iota
	SelectChannelB
	SelectBothChannels
)

func (c ChannelSelect) String() string {
	switch c {
	case SelectChannelA:
		return "CH1"
	case SelectChannelB:
		return "CH2"
	case SelectBothChannels:
		return "CH1,CH2"
	}
	return "invalid"
}

// scopeModeForSelect maps the channel selector onto an acquisition mode and
// front-end channel. A single selected channel always runs double-rate.
func scopeModeForSelect(sel ChannelSelect) (AcquisitionMode, int, error) {
	switch sel {
	case SelectChannelA:
		return SingleChannelDoubleRate, 0, nil
	case SelectChannelB:
		return SingleChannelDoubleRate, 1, nil
	case SelectBothChannels:
		return DualChannelSimultaneous, 0, nil
	}
	return 0, 0, fmt.Errorf("%w: channel selector %d", ErrInvalidArgument, sel)
}

// Acquisition status codes reported to hosts.
const (
	StatusIdle       = 0
	StatusInProgress = 1
	StatusComplete   = 2
)

// Default poll deadlines for the blocking command composites. "Blocking"
// here is a bounded busy-wait against a fixed wall-clock deadline; there is
// no external cancellation of a poll already in progress.
const (
	DefaultScopeFetchTimeout = 5 * time.Second
	DefaultMeterFetchTimeout = 500 * time.Millisecond
)

// timebaseDivisions is the number of horizontal divisions the timebase
// spans; the screen-equivalent capture window is timebase * divisions.
const timebaseDivisions = 10

// ScopeParams are the user-visible oscilloscope parameters. The three are
// coupled: every change re-derives the sample rate from all of them.
type ScopeParams struct {
	Select     ChannelSelect
	TimebaseUs int // microseconds per division
	BufferSize int // samples
}

// MeterParams are the user-visible voltmeter parameters. Range and
// resolution arrive from hosts but are not acted on yet.
type MeterParams struct {
	Channel      int
	Oversampling int
	Range        string // placeholder
	Resolution   string // placeholder
}

// CaptureStats is the millivolt summary attached to every fetched capture.
type CaptureStats struct {
	MeanMilliVolts   float64
	StdMilliVolts    float64
	MinMilliVolts    float64
	MaxMilliVolts    float64
	PeakToPeakMilliV float64
}

// Capture is the packaged result of one completed buffered acquisition.
type Capture struct {
	ID         string // ULID assigned at initiate
	Time       time.Time
	Mode       AcquisitionMode
	Channel    int
	SampleRate int
	Samples    []RawType // 12-bit payloads, caller-owned copy
	Stats      CaptureStats
}

// AcquireControl is the acquisition command layer. It validates host
// parameters, derives hardware configurations, owns the at-most-one DMM and
// DSO instruments, and implements the timeout-bounded command composites.
// Its methods expect a single caller of record; the RPC layer serializes.
type AcquireControl struct {
	engine EngineDriver
	timer  TimerDriver

	scope     ScopeParams
	meter     MeterParams
	buf       []RawType // reused across captures until the size changes
	dso       *DSO
	dmm       *DMM
	initiated bool
	captureID string
	complete  atomic.Bool

	// Fetch poll deadlines, fixed at construction time.
	ScopeFetchTimeout time.Duration
	MeterFetchTimeout time.Duration

	// Verbose dumps applied configurations into the log.
	Verbose bool

	// CapturesOut, when non-nil, receives every fetched capture for
	// publication. Sends never block; a slow consumer drops captures.
	CapturesOut chan<- *Capture

	// DB, when non-nil, receives a record of every fetched capture and
	// voltage reading. Use capturedb.DummyDBConnection when there is none.
	DB       *capturedb.Connection
	DaemonID string
}

// NewAcquireControl returns a command layer over the given drivers with the
// power-on parameter defaults.
func NewAcquireControl(engine EngineDriver, timer TimerDriver) *AcquireControl {
	return &AcquireControl{
		engine: engine,
		timer:  timer,
		scope: ScopeParams{
			Select:     SelectChannelA,
			TimebaseUs: 100,
			BufferSize: 512,
		},
		meter:             MeterParams{Channel: 0, Oversampling: 16},
		ScopeFetchTimeout: DefaultScopeFetchTimeout,
		MeterFetchTimeout: DefaultMeterFetchTimeout,
	}
}

// deriveSampleRate computes the sample rate implied by buffer size and
// timebase and validates it against the mode's hardware ceiling. Nothing is
// applied to hardware here; a failed derivation leaves all state untouched.
func (a *AcquireControl) deriveSampleRate(bufferSize int, mode AcquisitionMode, timebaseUs int) (int, error) {
	if bufferSize <= 0 {
		return 0, fmt.Errorf("%w: buffer size %d", ErrInvalidArgument, bufferSize)
	}
	if timebaseUs <= 0 {
		return 0, fmt.Errorf("%w: timebase %d us", ErrInvalidArgument, timebaseUs)
	}
	rate := bufferSize * 1000000 / (timebaseUs * timebaseDivisions)
	if rate == 0 {
		return 0, fmt.Errorf("%w: timebase %d us with %d samples derives a zero sample rate",
			ErrInvalidArgument, timebaseUs, bufferSize)
	}
	maxRate := a.engine.MaxSampleRate(engineModeForScope(mode))
	if rate > maxRate {
		return 0, fmt.Errorf("%w: derived sample rate %d above %s ceiling %d",
			ErrInvalidArgument, rate, mode, maxRate)
	}
	return rate, nil
}

// bufferFor returns the acquisition buffer to use for size samples, reusing
// the existing allocation when the size is unchanged.
func (a *AcquireControl) bufferFor(size int) []RawType {
	if len(a.buf) == size {
		return a.buf
	}
	return make([]RawType, size)
}

// ConfigureScope validates and applies new oscilloscope parameters. The
// channel selector, timebase and buffer size are coupled through the derived
// sample rate, so all three are (re)validated together. On failure the
// previous parameters and hardware configuration stay in effect.
func (a *AcquireControl) ConfigureScope(p ScopeParams) error {
	mode, channel, err := scopeModeForSelect(p.Select)
	if err != nil {
		return err
	}
	rate, err := a.deriveSampleRate(p.BufferSize, mode, p.TimebaseUs)
	if err != nil {
		return err
	}
	cfg := ScopeConfig{
		Mode:       mode,
		Channel:    channel,
		SampleRate: rate,
		Buffer:     a.bufferFor(p.BufferSize),
		OnComplete: a.captureDone,
	}
	if err := a.applyScopeConfig(cfg); err != nil {
		return err
	}
	a.scope = p
	return nil
}

// applyScopeConfig pushes cfg into the DSO, creating it on first use. On
// success the cached buffer is refreshed from the instrument (reallocation
// may have replaced it) and the completion flag is cleared. On failure the
// instrument keeps its previous configuration; the replacement buffer is
// simply dropped for collection, so a buffer still referenced by a live
// configuration can never be freed out from under it.
func (a *AcquireControl) applyScopeConfig(cfg ScopeConfig) error {
	if a.Verbose {
		log.Println(spew.Sdump(cfg))
	}
	if a.dso == nil {
		d, err := NewDSO(a.engine, a.timer, cfg)
		if err != nil {
			return err
		}
		a.dso = d
	} else if err := a.dso.SetConfig(cfg); err != nil {
		return err
	}
	a.buf = a.dso.Config().Buffer
	a.initiated = false
	a.complete.Store(false)
	return nil
}

// captureDone runs in the engine's completion context when the scope buffer
// fills. Flag set only.
func (a *AcquireControl) captureDone() {
	a.complete.Store(true)
}

// InitiateCapture starts a buffered acquisition with the current parameters,
// creating the instrument first if no configure command has run yet. A fresh
// capture ID is assigned.
func (a *AcquireControl) InitiateCapture() error {
	if a.dso == nil {
		if err := a.ConfigureScope(a.scope); err != nil {
			return err
		}
	}
	a.complete.Store(false)
	if err := a.dso.Start(); err != nil {
		return err
	}
	a.initiated = true
	a.captureID = ulid.Make().String()
	return nil
}

// FetchCapture waits (bounded busy-poll) for the initiated acquisition to
// complete, then packages the sample buffer, with its millivolt summary, as
// a Capture. Without a prior initiate it fails without touching hardware. On
// timeout the acquisition is force-stopped and a system error returned
// rather than leaving hardware running.
func (a *AcquireControl) FetchCapture() (*Capture, error) {
	if a.dso == nil || !a.initiated {
		return nil, fmt.Errorf("%w: no capture initiated", ErrDeviceNotReady)
	}
	deadline := time.Now().Add(a.ScopeFetchTimeout)
	for !(!a.dso.InProgress() && a.complete.Load()) {
		if !time.Now().Before(deadline) {
			if err := a.dso.Stop(); err != nil {
				log.Printf("force-stop after fetch timeout: %v", err)
			}
			a.initiated = false
			return nil, fmt.Errorf("%w: capture did not complete within %v",
				ErrTimeout, a.ScopeFetchTimeout)
		}
		runtime.Gosched()
	}

	cfg := a.dso.Config()
	samples := make([]RawType, len(cfg.Buffer))
	copy(samples, cfg.Buffer)
	result := &Capture{
		ID:         a.captureID,
		Time:       time.Now(),
		Mode:       cfg.Mode,
		Channel:    cfg.Channel,
		SampleRate: cfg.SampleRate,
		Samples:    samples,
		Stats:      summarizeCapture(samples, a.dso.ReferenceVoltage()),
	}
	a.initiated = false
	if a.CapturesOut != nil {
		select {
		case a.CapturesOut <- result:
		default:
		}
	}
	a.DB.RecordCapture(&capturedb.CaptureMessage{
		ID:         result.ID,
		DaemonID:   a.DaemonID,
		Mode:       result.Mode.String(),
		Channel:    result.Channel,
		SampleRate: result.SampleRate,
		Nsamples:   len(result.Samples),
		MeanMilliV: result.Stats.MeanMilliVolts,
		PkPkMilliV: result.Stats.PeakToPeakMilliV,
		Time:       result.Time,
	})
	return result, nil
}

// ReadCapture is initiate followed by fetch.
func (a *AcquireControl) ReadCapture() (*Capture, error) {
	if err := a.InitiateCapture(); err != nil {
		return nil, err
	}
	return a.FetchCapture()
}

// MeasureCapture is configure followed by read.
func (a *AcquireControl) MeasureCapture(p ScopeParams) (*Capture, error) {
	if err := a.ConfigureScope(p); err != nil {
		return nil, err
	}
	return a.ReadCapture()
}

// ScopeStatus reports the acquisition status code: StatusIdle before any
// initiate, StatusInProgress while acquiring, StatusComplete once the
// buffer has filled.
func (a *AcquireControl) ScopeStatus() int {
	switch {
	case a.dso != nil && a.dso.InProgress():
		return StatusInProgress
	case a.complete.Load():
		return StatusComplete
	default:
		return StatusIdle
	}
}

// AbortCapture stops any acquisition, destroys the instrument, and resets
// the status flags. Aborting when nothing exists is a no-op.
func (a *AcquireControl) AbortCapture() error {
	a.initiated = false
	a.complete.Store(false)
	if a.dso == nil {
		return nil
	}
	err := a.dso.Close()
	a.dso = nil
	return err
}

// ConfigureVoltmeter validates new voltmeter parameters by trial-building
// the instrument and immediately destroying it. Construction is cheap and
// proves the full hardware path rather than just the static checks.
func (a *AcquireControl) ConfigureVoltmeter(p MeterParams) error {
	if a.dmm != nil {
		return fmt.Errorf("%w: voltmeter busy, abort it before reconfiguring", ErrResourceBusy)
	}
	trial, err := NewDMM(a.engine, a.timer, MeterConfig{Channel: p.Channel, Oversampling: p.Oversampling})
	if err != nil {
		return err
	}
	if err := trial.Close(); err != nil {
		return err
	}
	a.meter = p
	return nil
}

// InitiateVoltage creates the long-lived voltmeter instance with the
// current parameters and begins continuous conversion.
func (a *AcquireControl) InitiateVoltage() error {
	if a.dmm != nil {
		return fmt.Errorf("%w: voltmeter already initiated", ErrResourceBusy)
	}
	m, err := NewDMM(a.engine, a.timer, MeterConfig{Channel: a.meter.Channel, Oversampling: a.meter.Oversampling})
	if err != nil {
		return err
	}
	a.dmm = m
	return nil
}

// FetchVoltage polls (bounded busy-poll) for one valid cached reading and
// returns it in millivolts. One reading is sufficient, so the instrument is
// always stopped on exit, success or timeout.
func (a *AcquireControl) FetchVoltage() (int, error) {
	if a.dmm == nil {
		return 0, fmt.Errorf("%w: no voltage measurement initiated", ErrDeviceNotReady)
	}
	defer func() {
		if err := a.dmm.Close(); err != nil {
			log.Printf("voltmeter close after fetch: %v", err)
		}
		a.dmm = nil
	}()

	deadline := time.Now().Add(a.MeterFetchTimeout)
	for {
		if mv, ok := a.dmm.ReadVoltage(); ok {
			a.DB.RecordVoltage(&capturedb.VoltageMessage{
				DaemonID:     a.DaemonID,
				Channel:      a.meter.Channel,
				Oversampling: a.meter.Oversampling,
				MilliVolts:   mv,
				Time:         time.Now(),
			})
			return mv, nil
		}
		if !time.Now().Before(deadline) {
			return 0, fmt.Errorf("%w: no conversion within %v", ErrTimeout, a.MeterFetchTimeout)
		}
		runtime.Gosched()
	}
}

// ReadVoltage is initiate followed by fetch.
func (a *AcquireControl) ReadVoltage() (int, error) {
	if err := a.InitiateVoltage(); err != nil {
		return 0, err
	}
	return a.FetchVoltage()
}

// MeasureVoltage is configure followed by read.
func (a *AcquireControl) MeasureVoltage(p MeterParams) (int, error) {
	if err := a.ConfigureVoltmeter(p); err != nil {
		return 0, err
	}
	return a.ReadVoltage()
}

// AbortVoltage destroys the voltmeter instance, if any.
func (a *AcquireControl) AbortVoltage() error {
	if a.dmm == nil {
		return nil
	}
	err := a.dmm.Close()
	a.dmm = nil
	return err
}

// ScopeParamsNow returns the staged oscilloscope parameters.
func (a *AcquireControl) ScopeParamsNow() ScopeParams {
	return a.scope
}

// MeterParamsNow returns the staged voltmeter parameters.
func (a *AcquireControl) MeterParamsNow() MeterParams {
	return a.meter
}

// ActiveScopeConfig returns the configuration of the live oscilloscope
// instance. The second return is false when no scope is configured.
func (a *AcquireControl) ActiveScopeConfig() (ScopeConfig, bool) {
	if a.dso == nil {
		return ScopeConfig{}, false
	}
	return a.dso.Config(), true
}
