package minidaq

// This file holds the contracts this subsystem consumes from the
// register-level peripheral drivers. The drivers themselves are implemented
// per target (or simulated in internal/simhw); everything here is what the
// acquisition control logic is allowed to assume about them.

// RawType holds raw sample data. The payload is 12 bits (0-4095) regardless
// of the oversampling ratio: drivers right-shift the extra oversampled bits
// away before writing into the acquisition buffer.
type RawType uint16

// RawFullScale is the maximum 12-bit sample code.
const RawFullScale = 4095

// EngineMode selects the conversion topology of the sampling engine.
type EngineMode int

// The three conversion topologies of the hardware engine.
const (
	EngineSingle       EngineMode = iota // one conversion per trigger, one converter
	EngineInterleaved                    // one channel alternated across both converters
	EngineSimultaneous                   // both converters triggered together
)

func (m EngineMode) String() string {
	switch m {
	case EngineSingle:
		return "single"
	case EngineInterleaved:
		return "interleaved"
	case EngineSimultaneous:
		return "simultaneous"
	}
	return "invalid"
}

// TriggerSource says what starts each conversion.
type TriggerSource int

// Conversions are started either by software or by the trigger timer.
const (
	TriggerSoftware TriggerSource = iota
	TriggerTimer
)

// EngineConfig is the hardware conversion configuration owned by one engine
// session. Buffer ownership transfers to the engine for the lifetime of the
// configuration.
type EngineConfig struct {
	Mode         EngineMode
	Channels     []int // engine channel indexes, one per converter in use
	Trigger      TriggerSource
	Oversampling int // power of two in [1,256]; 1 means none
	SampleRate   int // requested conversion rate in Hz (buffered modes)
	Buffer       []RawType
}

// CompleteFunc is the conversion-complete callback. It runs in the driver's
// completion context (interrupt context on hardware targets), so it must be
// O(1) and must not block or allocate. buf is the configured acquisition
// buffer and n the number of valid samples in it.
type CompleteFunc func(buf []RawType, n int)

// EngineDriver is the contract of the ADC/DMA/trigger hardware. Init fails
// with ErrInvalidArgument, ErrResourceBusy or ErrHardwareFault (wrapped);
// Deinit must be safe to call at any time after a successful Init.
type EngineDriver interface {
	Init(cfg EngineConfig) error
	Deinit() error
	Start() error
	Stop() error
	SetCompleteCallback(fn CompleteFunc)

	// SampleRate reports the conversion rate in Hz the hardware actually
	// achieves for the active configuration; with oversampling this is the
	// reported-sample rate, not the raw converter rate.
	SampleRate() int

	// ReferenceVoltage reports the calibrated full-scale voltage in mV.
	ReferenceVoltage() int

	// MaxSampleRate reports the hardware ceiling in Hz for a mode. Pure;
	// valid before Init.
	MaxSampleRate(mode EngineMode) int
}

// TimerID identifies a hardware trigger timer.
type TimerID int

// ScanTimer is the timer that paces engine conversions.
const ScanTimer TimerID = 1

// TimerDriver is the contract of the trigger timer hardware.
type TimerDriver interface {
	Init(id TimerID, freqHz int) error
	Start(id TimerID) error
	Stop(id TimerID) error
	Deinit(id TimerID) error
}

// Channel counts of the analog front end.
const (
	NumMeterChannels = 16 // multiplexed DMM input
	NumScopeChannels = 2  // DSO front-end channels
)
