package minidaq_test

import (
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	minidaq "github.com/fossasia/pslab-mini-daq"
	"github.com/fossasia/pslab-mini-daq/internal/simhw"
)

// pollVoltage busy-polls m.ReadVoltage the way the command layer does, with
// a generous deadline suited to test machines.
func pollVoltage(t *testing.T, m *minidaq.DMM) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mv, ok := m.ReadVoltage(); ok {
			return mv
		}
		runtime.Gosched()
	}
	t.Fatal("no conversion within 2 s")
	return 0
}

func TestMeterReadsKnownVoltages(t *testing.T) {
	// Full-scale endpoints and midpoint against the 3300 mV reference.
	tests := []struct {
		raw  minidaq.RawType
		want int
	}{
		{0, 0},
		{2047, 1650},
		{4095, 3300},
	}
	for _, test := range tests {
		engine := simhw.NewSimEngine()
		engine.SetSampleValue(test.raw)
		m, err := minidaq.NewDMM(engine, simhw.NewSimTimer(), minidaq.MeterConfig{Channel: 0, Oversampling: 16})
		if err != nil {
			t.Fatalf("NewDMM: %v", err)
		}
		if mv := pollVoltage(t, m); mv != test.want {
			t.Errorf("raw %d reads %d mV, want %d", test.raw, mv, test.want)
		}
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
}

func TestMeterReadConsumesMailbox(t *testing.T) {
	engine := simhw.NewSimEngine()
	engine.SetSampleValue(1000)
	m, err := minidaq.NewDMM(engine, simhw.NewSimTimer(), minidaq.MeterConfig{Channel: 3, Oversampling: 1})
	if err != nil {
		t.Fatalf("NewDMM: %v", err)
	}
	defer m.Close()

	pollVoltage(t, m)
	// The read consumed the cached conversion and re-armed; a second read may
	// have to wait for the next conversion but must eventually succeed again.
	pollVoltage(t, m)
}

func TestMeterOversamplingCycles(t *testing.T) {
	// Full init/read/deinit cycle at every legal oversampling ratio, reusing
	// one engine: each Close must release the hardware claim completely.
	engine := simhw.NewSimEngine()
	engine.SetSampleValue(2047)
	timer := simhw.NewSimTimer()
	for ratio := 1; ratio <= 256; ratio *= 2 {
		m, err := minidaq.NewDMM(engine, timer, minidaq.MeterConfig{Channel: 0, Oversampling: ratio})
		if err != nil {
			t.Fatalf("NewDMM with oversampling %d: %v", ratio, err)
		}
		if mv := pollVoltage(t, m); mv != 1650 {
			t.Errorf("oversampling %d: read %d mV, want 1650", ratio, mv)
		}
		if err := m.Close(); err != nil {
			t.Fatalf("Close with oversampling %d: %v", ratio, err)
		}
	}
}

func TestMeterRejectsBadConfig(t *testing.T) {
	engine := simhw.NewSimEngine()
	timer := simhw.NewSimTimer()
	bad := []minidaq.MeterConfig{
		{Channel: 0, Oversampling: 0},
		{Channel: 0, Oversampling: 7},
		{Channel: 0, Oversampling: 300},
		{Channel: 0, Oversampling: 512},
		{Channel: -1, Oversampling: 16},
		{Channel: minidaq.NumMeterChannels, Oversampling: 16},
	}
	for _, cfg := range bad {
		if _, err := minidaq.NewDMM(engine, timer, cfg); !errors.Is(err, minidaq.ErrInvalidArgument) {
			t.Errorf("NewDMM(%+v): err = %v, want ErrInvalidArgument", cfg, err)
		}
	}
	// Rejection happens before any hardware claim, so a valid construction
	// must still succeed afterward.
	m, err := minidaq.NewDMM(engine, timer, minidaq.MeterConfig{Channel: 0, Oversampling: 16})
	if err != nil {
		t.Fatalf("NewDMM after rejected configs: %v", err)
	}
	m.Close()
}

func TestSecondMeterBusy(t *testing.T) {
	engine := simhw.NewSimEngine()
	engine.SetSampleValue(2047)
	timer := simhw.NewSimTimer()
	m1, err := minidaq.NewDMM(engine, timer, minidaq.MeterConfig{Channel: 0, Oversampling: 4})
	if err != nil {
		t.Fatalf("NewDMM: %v", err)
	}
	defer m1.Close()

	if _, err := minidaq.NewDMM(engine, timer, minidaq.MeterConfig{Channel: 1, Oversampling: 4}); !errors.Is(err, minidaq.ErrResourceBusy) {
		t.Errorf("second NewDMM: err = %v, want ErrResourceBusy", err)
	}
	// The first instrument must be unharmed by the failed claim.
	if mv := pollVoltage(t, m1); mv != 1650 {
		t.Errorf("first meter reads %d mV after failed second claim, want 1650", mv)
	}
}

func TestMeterBringupRollback(t *testing.T) {
	engine := simhw.NewSimEngine()
	timer := simhw.NewSimTimer()
	engine.FailStart = fmt.Errorf("%w: conversion start rejected", minidaq.ErrHardwareFault)
	if _, err := minidaq.NewDMM(engine, timer, minidaq.MeterConfig{Channel: 0, Oversampling: 1}); !errors.Is(err, minidaq.ErrHardwareFault) {
		t.Fatalf("NewDMM with failing engine start: err = %v, want ErrHardwareFault", err)
	}
	// The failed construction must have released both the engine and the
	// scan timer.
	m, err := minidaq.NewDMM(engine, timer, minidaq.MeterConfig{Channel: 0, Oversampling: 1})
	if err != nil {
		t.Fatalf("NewDMM after rollback: %v", err)
	}
	m.Close()
}

func TestMeterScanTimerPacing(t *testing.T) {
	engine := simhw.NewSimEngine()
	timer := simhw.NewSimTimer()
	m, err := minidaq.NewDMM(engine, timer, minidaq.MeterConfig{Channel: 0, Oversampling: 64})
	if err != nil {
		t.Fatalf("NewDMM: %v", err)
	}
	if !timer.Running(minidaq.ScanTimer) {
		t.Error("scan timer not running while meter active")
	}
	want := engine.MaxSampleRate(minidaq.EngineSingle) / 64
	if got := timer.Frequency(minidaq.ScanTimer); got != want {
		t.Errorf("scan timer frequency = %d, want %d (engine rate at 64x oversampling)", got, want)
	}
	m.Close()
	if timer.Running(minidaq.ScanTimer) {
		t.Error("scan timer still running after Close")
	}
}
