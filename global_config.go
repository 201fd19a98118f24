package minidaq

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by the daemon.
type Portnumbers struct {
	RPC      int
	Status   int
	Captures int
}

// Ports globally holds all TCP port numbers used by the daemon.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Captures = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.2",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client status updates to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(4700)
	StartTime = time.Now()

	// The daemon main program will override these, but at least initialize
	// with sensible values.
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
