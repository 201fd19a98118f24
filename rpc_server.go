package minidaq

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// CommandServer is the sub-server that exposes the acquisition command layer
// to hosts. The underlying AcquireControl expects a single caller of record,
// so every RPC method holds the one mutex for its duration.
type CommandServer struct {
	control *AcquireControl
	mu      sync.Mutex

	status        ServerStatus
	clientUpdates chan<- ClientUpdate
}

// ServerStatus is the acquisition status that CommandServer reports to
// clients.
type ServerStatus struct {
	Scope         ScopeParams
	Meter         MeterParams
	ScopeStatus   int // StatusIdle, StatusInProgress or StatusComplete
	LastCaptureID string
	StartTime     time.Time // when this daemon process came up
}

// NewCommandServer wraps control for RPC use, broadcasting state changes on
// updates.
func NewCommandServer(control *AcquireControl, updates chan<- ClientUpdate) *CommandServer {
	return &CommandServer{
		control:       control,
		clientUpdates: updates,
		status:        ServerStatus{StartTime: StartTime},
	}
}

// protocolError translates internal error kinds into the protocol-visible
// error codes, so the transport never sees the internal error values
// themselves.
func protocolError(err error) error {
	if err == nil {
		return nil
	}
	code := "SYSTEM_ERROR"
	switch {
	case errors.Is(err, ErrInvalidArgument):
		code = "INVALID_ARGUMENT"
	case errors.Is(err, ErrResourceBusy):
		code = "RESOURCE_BUSY"
	case errors.Is(err, ErrDeviceNotReady):
		code = "EXECUTION_ERROR"
	case errors.Is(err, ErrTimeout):
		code = "TIMEOUT"
	case errors.Is(err, ErrHardwareFault):
		code = "HARDWARE_FAULT"
	}
	return fmt.Errorf("%s: %s", code, err)
}

// ConfigureScope applies new oscilloscope parameters.
func (s *CommandServer) ConfigureScope(args *ScopeParams, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Printf("ConfigureScope: %s, timebase=%d us, %d samples\n", args.Select, args.TimebaseUs, args.BufferSize)
	err := s.control.ConfigureScope(*args)
	*reply = (err == nil)
	s.broadcastUpdate()
	return protocolError(err)
}

// InitiateCapture starts a buffered acquisition.
func (s *CommandServer) InitiateCapture(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.control.InitiateCapture()
	*reply = (err == nil)
	s.broadcastUpdate()
	return protocolError(err)
}

// FetchCapture waits for the initiated acquisition and returns it.
func (s *CommandServer) FetchCapture(dummy *string, reply *Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.control.FetchCapture()
	if err == nil {
		*reply = *c
		s.status.LastCaptureID = c.ID
	}
	s.broadcastUpdate()
	return protocolError(err)
}

// ReadCapture is initiate followed by fetch.
func (s *CommandServer) ReadCapture(dummy *string, reply *Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.control.ReadCapture()
	if err == nil {
		*reply = *c
		s.status.LastCaptureID = c.ID
	}
	s.broadcastUpdate()
	return protocolError(err)
}

// MeasureCapture is configure followed by read.
func (s *CommandServer) MeasureCapture(args *ScopeParams, reply *Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.control.MeasureCapture(*args)
	if err == nil {
		*reply = *c
		s.status.LastCaptureID = c.ID
	}
	s.broadcastUpdate()
	return protocolError(err)
}

// ScopeStatus reports the integer acquisition status code.
func (s *CommandServer) ScopeStatus(dummy *string, reply *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = s.control.ScopeStatus()
	return nil
}

// AbortCapture stops and destroys the oscilloscope instrument.
func (s *CommandServer) AbortCapture(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.control.AbortCapture()
	*reply = (err == nil)
	s.broadcastUpdate()
	return protocolError(err)
}

// ConfigureVoltmeter applies new voltmeter parameters.
func (s *CommandServer) ConfigureVoltmeter(args *MeterParams, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Printf("ConfigureVoltmeter: channel=%d oversampling=%d\n", args.Channel, args.Oversampling)
	err := s.control.ConfigureVoltmeter(*args)
	*reply = (err == nil)
	s.broadcastUpdate()
	return protocolError(err)
}

// InitiateVoltage creates the long-lived voltmeter instance.
func (s *CommandServer) InitiateVoltage(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.control.InitiateVoltage()
	*reply = (err == nil)
	return protocolError(err)
}

// FetchVoltage returns one reading in millivolts, stopping the instrument.
func (s *CommandServer) FetchVoltage(dummy *string, reply *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mv, err := s.control.FetchVoltage()
	*reply = mv
	return protocolError(err)
}

// ReadVoltage is initiate followed by fetch.
func (s *CommandServer) ReadVoltage(dummy *string, reply *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mv, err := s.control.ReadVoltage()
	*reply = mv
	return protocolError(err)
}

// MeasureVoltage is configure followed by read.
func (s *CommandServer) MeasureVoltage(args *MeterParams, reply *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mv, err := s.control.MeasureVoltage(*args)
	*reply = mv
	return protocolError(err)
}

// AbortVoltage destroys the voltmeter instance, if any.
func (s *CommandServer) AbortVoltage(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.control.AbortVoltage()
	*reply = (err == nil)
	return protocolError(err)
}

// Status returns the full status snapshot to the caller, the same content
// the periodic broadcast carries.
func (s *CommandServer) Status(dummy *string, reply *ServerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Scope = s.control.ScopeParamsNow()
	s.status.Meter = s.control.MeterParamsNow()
	s.status.ScopeStatus = s.control.ScopeStatus()
	*reply = s.status
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (s *CommandServer) SendAllStatus(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastUpdate()
	*reply = true
	return nil
}

// broadcastUpdate sends the current status to the client updater, without
// blocking if nobody listens. Callers hold s.mu.
func (s *CommandServer) broadcastUpdate() {
	if s.clientUpdates == nil {
		return
	}
	s.status.Scope = s.control.ScopeParamsNow()
	s.status.Meter = s.control.MeterParamsNow()
	s.status.ScopeStatus = s.control.ScopeStatus()
	select {
	case s.clientUpdates <- ClientUpdate{"STATUS", s.status}:
	default:
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server for the given
// command layer. Stored instrument settings are restored from the viper
// configuration before the first connection is accepted.
func RunRPCServer(control *AcquireControl, messageChan chan<- ClientUpdate, portrpc int, abort <-chan struct{}) {
	commandServer := NewCommandServer(control, messageChan)

	// Load stored settings.
	var okay bool
	log.Printf("using config file %s\n", viper.ConfigFileUsed())
	var sp ScopeParams
	if err := viper.UnmarshalKey("oscilloscope", &sp); err == nil && sp.BufferSize > 0 {
		if cerr := commandServer.ConfigureScope(&sp, &okay); cerr != nil {
			log.Printf("stored oscilloscope settings rejected: %v\n", cerr)
		}
	}
	var mp MeterParams
	if err := viper.UnmarshalKey("voltmeter", &mp); err == nil && mp.Oversampling > 0 {
		if cerr := commandServer.ConfigureVoltmeter(&mp, &okay); cerr != nil {
			log.Printf("stored voltmeter settings rejected: %v\n", cerr)
		}
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				commandServer.mu.Lock()
				commandServer.broadcastUpdate()
				commandServer.mu.Unlock()
			}
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(commandServer)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	go func() {
		<-abort
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-abort:
				return
			default:
			}
			log.Fatal("accept error: " + err.Error())
		}
		log.Printf("new connection established\n")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
