package capturedb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the daemonactivity table: one row
// per daemon run.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// CaptureMessage is the information required to make an entry in the
// captures table: one row per fetched oscilloscope capture.
type CaptureMessage struct {
	ID         string // capture ULID
	DaemonID   string
	Mode       string
	Channel    int
	SampleRate int
	Nsamples   int
	MeanMilliV float64
	PkPkMilliV float64
	Time       time.Time
}

// VoltageMessage is the information required to make an entry in the
// voltages table: one row per voltmeter reading.
type VoltageMessage struct {
	DaemonID     string
	Channel      int
	Oversampling int
	MilliVolts   int
	Time         time.Time
}
