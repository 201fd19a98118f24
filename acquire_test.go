package minidaq_test

import (
	"errors"
	"math"
	"testing"
	"time"

	minidaq "github.com/fossasia/pslab-mini-daq"
	"github.com/fossasia/pslab-mini-daq/internal/simhw"
)

func newTestControl() (*minidaq.AcquireControl, *simhw.SimEngine) {
	engine := simhw.NewSimEngine()
	return minidaq.NewAcquireControl(engine, simhw.NewSimTimer()), engine
}

func TestDeriveSampleRate(t *testing.T) {
	a, _ := newTestControl()
	// 512 samples across 10 divisions of 100 us each is 512 kS/s.
	if err := a.ConfigureScope(minidaq.ScopeParams{Select: minidaq.SelectChannelA, TimebaseUs: 100, BufferSize: 512}); err != nil {
		t.Fatalf("ConfigureScope: %v", err)
	}
	cfg, ok := a.ActiveScopeConfig()
	if !ok {
		t.Fatal("no active scope config after ConfigureScope")
	}
	if cfg.SampleRate != 512000 {
		t.Errorf("derived sample rate = %d, want 512000", cfg.SampleRate)
	}
	if cfg.Mode != minidaq.SingleChannelDoubleRate || cfg.Channel != 0 {
		t.Errorf("config = mode %v channel %d, want single-channel double-rate on channel 0", cfg.Mode, cfg.Channel)
	}
	if len(cfg.Buffer) != 512 {
		t.Errorf("buffer length = %d, want 512", len(cfg.Buffer))
	}
	a.AbortCapture()
}

func TestDeriveSampleRateRejections(t *testing.T) {
	a, _ := newTestControl()
	bad := []minidaq.ScopeParams{
		{Select: minidaq.SelectChannelA, TimebaseUs: 0, BufferSize: 512},       // no timebase
		{Select: minidaq.SelectChannelA, TimebaseUs: 100, BufferSize: 0},      // no buffer
		{Select: minidaq.SelectChannelA, TimebaseUs: 100, BufferSize: -8},     // negative buffer
		{Select: minidaq.SelectChannelA, TimebaseUs: 1, BufferSize: 512},      // 51.2 MS/s, above ceiling
		{Select: minidaq.SelectBothChannels, TimebaseUs: 1, BufferSize: 256},  // 25.6 MS/s, above ceiling
		{Select: minidaq.SelectChannelA, TimebaseUs: 200000, BufferSize: 1},   // derives to zero
		{Select: minidaq.ChannelSelect(99), TimebaseUs: 100, BufferSize: 512}, // no such selector
	}
	for _, p := range bad {
		if err := a.ConfigureScope(p); !errors.Is(err, minidaq.ErrInvalidArgument) {
			t.Errorf("ConfigureScope(%+v): err = %v, want ErrInvalidArgument", p, err)
		}
	}
	// All rejections happened before any hardware claim.
	if _, ok := a.ActiveScopeConfig(); ok {
		t.Error("rejected parameters left an active scope config behind")
	}
	// The power-on defaults survive a rejected configure.
	if p := a.ScopeParamsNow(); p.TimebaseUs != 100 || p.BufferSize != 512 {
		t.Errorf("staged params disturbed by rejections: %+v", p)
	}
}

func TestConfigureRejectionKeepsOldConfig(t *testing.T) {
	a, _ := newTestControl()
	good := minidaq.ScopeParams{Select: minidaq.SelectChannelB, TimebaseUs: 50, BufferSize: 256}
	if err := a.ConfigureScope(good); err != nil {
		t.Fatalf("ConfigureScope: %v", err)
	}
	if err := a.ConfigureScope(minidaq.ScopeParams{Select: minidaq.SelectChannelA, TimebaseUs: 1, BufferSize: 512}); !errors.Is(err, minidaq.ErrInvalidArgument) {
		t.Fatalf("over-ceiling ConfigureScope: err = %v, want ErrInvalidArgument", err)
	}
	cfg, ok := a.ActiveScopeConfig()
	if !ok {
		t.Fatal("active config lost after rejected reconfigure")
	}
	if cfg.Channel != 1 || len(cfg.Buffer) != 256 {
		t.Errorf("active config changed by rejected reconfigure: channel %d, %d samples", cfg.Channel, len(cfg.Buffer))
	}
	if p := a.ScopeParamsNow(); p != good {
		t.Errorf("staged params changed by rejected reconfigure: %+v", p)
	}
	a.AbortCapture()
}

func TestBufferReusePolicy(t *testing.T) {
	a, _ := newTestControl()
	if err := a.ConfigureScope(minidaq.ScopeParams{Select: minidaq.SelectChannelA, TimebaseUs: 100, BufferSize: 512}); err != nil {
		t.Fatalf("ConfigureScope: %v", err)
	}
	cfg1, _ := a.ActiveScopeConfig()

	// Same size: the allocation must be reused even though other parameters
	// changed.
	if err := a.ConfigureScope(minidaq.ScopeParams{Select: minidaq.SelectChannelB, TimebaseUs: 200, BufferSize: 512}); err != nil {
		t.Fatalf("reconfigure at same size: %v", err)
	}
	cfg2, _ := a.ActiveScopeConfig()
	if &cfg1.Buffer[0] != &cfg2.Buffer[0] {
		t.Error("same-size reconfigure reallocated the acquisition buffer")
	}

	// Different size: a fresh allocation; the old one is left for the GC.
	if err := a.ConfigureScope(minidaq.ScopeParams{Select: minidaq.SelectChannelB, TimebaseUs: 200, BufferSize: 256}); err != nil {
		t.Fatalf("reconfigure at new size: %v", err)
	}
	cfg3, _ := a.ActiveScopeConfig()
	if len(cfg3.Buffer) != 256 {
		t.Errorf("buffer length = %d, want 256", len(cfg3.Buffer))
	}
	if &cfg3.Buffer[0] == &cfg2.Buffer[0] {
		t.Error("resized reconfigure kept the old backing array")
	}
	a.AbortCapture()
}

func TestFetchWithoutInitiate(t *testing.T) {
	a, _ := newTestControl()
	if _, err := a.FetchCapture(); !errors.Is(err, minidaq.ErrDeviceNotReady) {
		t.Errorf("FetchCapture without initiate: err = %v, want ErrDeviceNotReady", err)
	}
	if err := a.ConfigureScope(minidaq.ScopeParams{Select: minidaq.SelectChannelA, TimebaseUs: 100, BufferSize: 128}); err != nil {
		t.Fatalf("ConfigureScope: %v", err)
	}
	if _, err := a.FetchCapture(); !errors.Is(err, minidaq.ErrDeviceNotReady) {
		t.Errorf("FetchCapture configured but not initiated: err = %v, want ErrDeviceNotReady", err)
	}
	a.AbortCapture()
}

func TestCaptureRoundTrip(t *testing.T) {
	a, engine := newTestControl()
	engine.SetSampleValue(1000)
	published := make(chan *minidaq.Capture, 1)
	a.CapturesOut = published

	c, err := a.MeasureCapture(minidaq.ScopeParams{Select: minidaq.SelectChannelB, TimebaseUs: 100, BufferSize: 256})
	if err != nil {
		t.Fatalf("MeasureCapture: %v", err)
	}
	if len(c.ID) != 26 {
		t.Errorf("capture ID %q is not a ULID", c.ID)
	}
	if c.Mode != minidaq.SingleChannelDoubleRate || c.Channel != 1 {
		t.Errorf("capture mode %v channel %d, want double-rate on channel 1", c.Mode, c.Channel)
	}
	if c.SampleRate != 256000 {
		t.Errorf("capture sample rate = %d, want 256000", c.SampleRate)
	}
	if len(c.Samples) != 256 {
		t.Fatalf("capture holds %d samples, want 256", len(c.Samples))
	}
	for i, s := range c.Samples {
		if s != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, s)
		}
	}
	wantMV := 1000.0 * 3300.0 / 4095.0
	if math.Abs(c.Stats.MeanMilliVolts-wantMV) > 1e-6 {
		t.Errorf("mean = %g mV, want %g", c.Stats.MeanMilliVolts, wantMV)
	}
	if c.Stats.PeakToPeakMilliV != 0 {
		t.Errorf("peak-to-peak = %g mV for a constant signal, want 0", c.Stats.PeakToPeakMilliV)
	}
	select {
	case pc := <-published:
		if pc.ID != c.ID {
			t.Errorf("published capture %s, fetched %s", pc.ID, c.ID)
		}
	default:
		t.Error("fetched capture was not offered for publication")
	}

	// The fetched samples are the caller's copy. The next capture must not
	// scribble over them.
	engine.SetSampleValue(2000)
	c2, err := a.ReadCapture()
	if err != nil {
		t.Fatalf("second ReadCapture: %v", err)
	}
	if c2.ID == c.ID {
		t.Error("second capture reused the previous capture ID")
	}
	if c.Samples[0] != 1000 {
		t.Errorf("first capture's samples changed to %d after second capture", c.Samples[0])
	}
	a.AbortCapture()
}

func TestCaptureStatusTransitions(t *testing.T) {
	a, engine := newTestControl()
	if got := a.ScopeStatus(); got != minidaq.StatusIdle {
		t.Errorf("status = %d before any initiate, want StatusIdle", got)
	}
	engine.SetHold(true)
	if err := a.InitiateCapture(); err != nil {
		t.Fatalf("InitiateCapture: %v", err)
	}
	if got := a.ScopeStatus(); got != minidaq.StatusInProgress {
		t.Errorf("status = %d while acquiring, want StatusInProgress", got)
	}
	if err := a.AbortCapture(); err != nil {
		t.Fatalf("AbortCapture: %v", err)
	}
	if got := a.ScopeStatus(); got != minidaq.StatusIdle {
		t.Errorf("status = %d after abort, want StatusIdle", got)
	}

	engine.SetHold(false)
	if err := a.InitiateCapture(); err != nil {
		t.Fatalf("InitiateCapture after abort: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.ScopeStatus() != minidaq.StatusComplete {
		if !time.Now().Before(deadline) {
			t.Fatal("status never reached StatusComplete")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := a.FetchCapture(); err != nil {
		t.Fatalf("FetchCapture after complete: %v", err)
	}
	a.AbortCapture()
}

func TestCaptureTimeoutForceStops(t *testing.T) {
	a, engine := newTestControl()
	a.ScopeFetchTimeout = 50 * time.Millisecond
	engine.SetHold(true)
	if err := a.InitiateCapture(); err != nil {
		t.Fatalf("InitiateCapture: %v", err)
	}
	if _, err := a.FetchCapture(); !errors.Is(err, minidaq.ErrTimeout) {
		t.Fatalf("FetchCapture on a stuck acquisition: err = %v, want ErrTimeout", err)
	}
	if got := a.ScopeStatus(); got == minidaq.StatusInProgress {
		t.Error("acquisition still in progress after fetch timeout; want force-stopped")
	}

	// The instrument must recover for the next capture.
	engine.SetHold(false)
	if err := a.InitiateCapture(); err != nil {
		t.Fatalf("InitiateCapture after timeout: %v", err)
	}
	if _, err := a.FetchCapture(); err != nil {
		t.Errorf("FetchCapture after recovery: %v", err)
	}
	a.AbortCapture()
}

func TestVoltmeterCommandFlow(t *testing.T) {
	a, engine := newTestControl()
	engine.SetSampleValue(4095)

	if _, err := a.FetchVoltage(); !errors.Is(err, minidaq.ErrDeviceNotReady) {
		t.Errorf("FetchVoltage without initiate: err = %v, want ErrDeviceNotReady", err)
	}
	if err := a.ConfigureVoltmeter(minidaq.MeterParams{Channel: 2, Oversampling: 8}); err != nil {
		t.Fatalf("ConfigureVoltmeter: %v", err)
	}
	if p := a.MeterParamsNow(); p.Channel != 2 || p.Oversampling != 8 {
		t.Errorf("staged meter params = %+v, want channel 2 oversampling 8", p)
	}
	if err := a.ConfigureVoltmeter(minidaq.MeterParams{Channel: 2, Oversampling: 7}); !errors.Is(err, minidaq.ErrInvalidArgument) {
		t.Errorf("ConfigureVoltmeter with ratio 7: err = %v, want ErrInvalidArgument", err)
	}

	if err := a.InitiateVoltage(); err != nil {
		t.Fatalf("InitiateVoltage: %v", err)
	}
	if err := a.InitiateVoltage(); !errors.Is(err, minidaq.ErrResourceBusy) {
		t.Errorf("second InitiateVoltage: err = %v, want ErrResourceBusy", err)
	}
	mv, err := a.FetchVoltage()
	if err != nil {
		t.Fatalf("FetchVoltage: %v", err)
	}
	if mv != 3300 {
		t.Errorf("full-scale reading = %d mV, want 3300", mv)
	}
	// Fetch stops the instrument; another fetch needs a new initiate.
	if _, err := a.FetchVoltage(); !errors.Is(err, minidaq.ErrDeviceNotReady) {
		t.Errorf("FetchVoltage after fetch: err = %v, want ErrDeviceNotReady", err)
	}

	engine.SetSampleValue(2047)
	mv, err = a.MeasureVoltage(minidaq.MeterParams{Channel: 0, Oversampling: 16})
	if err != nil {
		t.Fatalf("MeasureVoltage: %v", err)
	}
	if mv != 1650 {
		t.Errorf("midpoint reading = %d mV, want 1650", mv)
	}
	if err := a.AbortVoltage(); err != nil {
		t.Errorf("AbortVoltage with no instrument: %v, want nil", err)
	}
}

func TestVoltageTimeout(t *testing.T) {
	a, engine := newTestControl()
	a.MeterFetchTimeout = 30 * time.Millisecond
	engine.SetHold(true)
	if err := a.InitiateVoltage(); err != nil {
		t.Fatalf("InitiateVoltage: %v", err)
	}
	if _, err := a.FetchVoltage(); !errors.Is(err, minidaq.ErrTimeout) {
		t.Fatalf("FetchVoltage with no conversions: err = %v, want ErrTimeout", err)
	}
	// The instrument was destroyed on the way out, releasing the engine.
	engine.SetHold(false)
	engine.SetSampleValue(100)
	if _, err := a.MeasureVoltage(minidaq.MeterParams{Channel: 0, Oversampling: 1}); err != nil {
		t.Errorf("MeasureVoltage after timeout: %v", err)
	}
}

func TestOneInstrumentAtATime(t *testing.T) {
	a, engine := newTestControl()
	if err := a.ConfigureScope(minidaq.ScopeParams{Select: minidaq.SelectChannelA, TimebaseUs: 100, BufferSize: 128}); err != nil {
		t.Fatalf("ConfigureScope: %v", err)
	}
	// The scope instrument holds the engine claim even while idle.
	if err := a.InitiateVoltage(); !errors.Is(err, minidaq.ErrResourceBusy) {
		t.Errorf("InitiateVoltage with scope configured: err = %v, want ErrResourceBusy", err)
	}
	if err := a.AbortCapture(); err != nil {
		t.Fatalf("AbortCapture: %v", err)
	}
	engine.SetSampleValue(500)
	if _, err := a.MeasureVoltage(minidaq.MeterParams{Channel: 0, Oversampling: 2}); err != nil {
		t.Errorf("MeasureVoltage after scope abort: %v", err)
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	a, _ := newTestControl()
	if err := a.AbortCapture(); err != nil {
		t.Errorf("AbortCapture with nothing configured: %v", err)
	}
	if err := a.AbortVoltage(); err != nil {
		t.Errorf("AbortVoltage with nothing configured: %v", err)
	}
}
