package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"

	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	minidaq "github.com/fossasia/pslab-mini-daq"
	"github.com/fossasia/pslab-mini-daq/internal/capturedb"
	"github.com/fossasia/pslab-mini-daq/internal/simhw"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("UseDatabase", false)

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotDir := filepath.Join(HOME, ".psminidaq")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotDir, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/psminidaq"))
	viper.AddConfigPath(dotDir)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkRmem warns when the kernel receive buffer ceiling is too small for
// subscribers pulling large capture blocks over the PUB sockets.
func checkRmem() {
	const wantRmem = 4 * 1024 * 1024
	value, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		return // not Linux, or /proc/sys unavailable
	}
	if rmem, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && rmem < wantRmem {
		log.Printf("net.core.rmem_max is %d; capture subscribers may drop data below %d\n", rmem, wantRmem)
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	minidaq.Build.Date = buildDate
	minidaq.Build.Githash = githash
	minidaq.Build.Summary = fmt.Sprintf("psminid version %s (git commit %s)", minidaq.Build.Version, githash)
	if host, err := os.Hostname(); err == nil {
		minidaq.Build.Host = host
	} else {
		minidaq.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is psminid version %s\n", minidaq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is psminid version %s (git commit %s)\n", minidaq.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".psminidaq", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	minidaq.ProblemLogger = startLogger(problemname)
	minidaq.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	minidaq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	checkRmem()

	// The register-level target drivers live outside this module; the daemon
	// serves the simulated engine until a target registers real ones.
	engine := simhw.NewSimEngine()
	timer := simhw.NewSimTimer()

	daemonID := ulid.Make().String()
	control := minidaq.NewAcquireControl(engine, timer)
	control.Verbose = viper.GetBool("Verbose")
	control.DaemonID = daemonID

	abort := make(chan struct{})
	if viper.GetBool("UseDatabase") {
		activity := capturedb.NewActivityMessage(daemonID, githash, minidaq.Build.Version)
		control.DB = capturedb.StartDBConnection(activity, abort)
	} else {
		control.DB = capturedb.DummyDBConnection()
	}

	captures := make(chan *minidaq.Capture, 10)
	control.CapturesOut = captures
	go minidaq.PublishCaptures(captures, abort, minidaq.Ports.Captures)

	updates := make(chan minidaq.ClientUpdate, 10)
	go minidaq.RunClientUpdater(updates, abort, minidaq.Ports.Status)

	minidaq.RunRPCServer(control, updates, minidaq.Ports.RPC, abort)
	close(abort)
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
