package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	minidaq "github.com/fossasia/pslab-mini-daq"
	"github.com/fossasia/pslab-mini-daq/internal/simhw"
)

type captureOptions struct {
	verbose    bool
	timebaseUs int
	nSamples   int
	channel    string
	output     string
}

var opt captureOptions

func parseOptions() error {
	flag.BoolVar(&opt.verbose, "v", false, "verbose: dump the applied configuration")
	flag.IntVar(&opt.timebaseUs, "t", 100, "timebase in microseconds per division")
	flag.IntVar(&opt.nSamples, "n", 512, "number of samples to acquire")
	flag.StringVar(&opt.channel, "c", "a", "channel selection: a, b, or ab")
	flag.StringVar(&opt.output, "o", "", "output .npy filename (default capture_<ULID>.npy)")
	flag.Parse()

	switch {
	case opt.nSamples < 1:
		return fmt.Errorf("sample count (%d) must be at least 1", opt.nSamples)
	case opt.timebaseUs < 1:
		return fmt.Errorf("timebase (%d us) must be at least 1", opt.timebaseUs)
	}
	return nil
}

func selectorFor(channel string) (minidaq.ChannelSelect, error) {
	switch channel {
	case "a":
		return minidaq.SelectChannelA, nil
	case "b":
		return minidaq.SelectChannelB, nil
	case "ab":
		return minidaq.SelectBothChannels, nil
	}
	return 0, fmt.Errorf("channel selection %q not one of a, b, ab", channel)
}

func main() {
	if err := parseOptions(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	sel, err := selectorFor(opt.channel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// One-shot capture against the simulated engine.
	control := minidaq.NewAcquireControl(simhw.NewSimEngine(), simhw.NewSimTimer())
	control.Verbose = opt.verbose

	capture, err := control.MeasureCapture(minidaq.ScopeParams{
		Select:     sel,
		TimebaseUs: opt.timebaseUs,
		BufferSize: opt.nSamples,
	})
	if err != nil {
		log.Fatalf("capture failed: %v", err)
	}

	fmt.Printf("capture %s: %s, %d samples at %d Hz\n",
		capture.ID, capture.Mode, len(capture.Samples), capture.SampleRate)
	fmt.Printf("  mean %.1f mV  std %.1f mV  min %.1f mV  max %.1f mV  pk-pk %.1f mV\n",
		capture.Stats.MeanMilliVolts, capture.Stats.StdMilliVolts,
		capture.Stats.MinMilliVolts, capture.Stats.MaxMilliVolts,
		capture.Stats.PeakToPeakMilliV)

	outname := opt.output
	if outname == "" {
		outname = minidaq.DefaultCaptureFilename(capture)
	}
	if err := capture.WriteNPY(outname); err != nil {
		log.Fatalf("could not write %s: %v", outname, err)
	}
	fmt.Printf("wrote %s\n", outname)
}
