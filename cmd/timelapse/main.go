package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/timelapse/internal/applog"
	"github.com/pingsantohq/timelapse/internal/capture"
	"github.com/pingsantohq/timelapse/internal/clock"
	"github.com/pingsantohq/timelapse/internal/config"
	"github.com/pingsantohq/timelapse/internal/diag"
	"github.com/pingsantohq/timelapse/internal/events"
	"github.com/pingsantohq/timelapse/internal/health"
	"github.com/pingsantohq/timelapse/internal/logging"
	"github.com/pingsantohq/timelapse/internal/metrics"
	"github.com/pingsantohq/timelapse/internal/quit"
	"github.com/pingsantohq/timelapse/internal/runtime"
	"github.com/pingsantohq/timelapse/internal/scheduler"
	"github.com/pingsantohq/timelapse/internal/sysstat"
	"github.com/pingsantohq/timelapse/pkg/types"
)

// openKeyboard is replaced in tests so no terminal is put into raw mode.
var openKeyboard = func(keys []string) quitKeyboard {
	return quit.OpenKeyboard(keys)
}

type quitKeyboard interface {
	quit.Detector
	Close() error
}

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:], os.Stdout)
	case "capture":
		err = captureOnce(ctx, os.Args[2:], os.Stdout)
	case "triggers":
		err = listTriggers(ctx, os.Args[2:], os.Stdout)
	case "init":
		err = initConfig(os.Args[2:], os.Stdout)
	case "diag":
		err = diag.Run(ctx, os.Args[2:], diag.Dependencies{})
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Timelapse CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  timelapse run [--config /etc/timelapse/timelapse.yaml] [--pubkey KEY]")
	fmt.Fprintln(w, "  timelapse capture [--config path] [--pubkey KEY]")
	fmt.Fprintln(w, "  timelapse triggers [--config path] [--pubkey KEY]")
	fmt.Fprintln(w, "  timelapse init [--config path] [--root dir] [--driver libcamera|raspistill|mock] [--force]")
	fmt.Fprintln(w, "  timelapse diag [--config path] [--pubkey KEY] [--output file] [--recent n] [--journal-unit unit]")
}

// commonFlags registers the flags shared by commands that read a config.
type commonFlags struct {
	set        *flag.FlagSet
	configPath *string
	pubKey     *string
}

func newCommonFlags(name string) commonFlags {
	set := flag.NewFlagSet(name, flag.ContinueOnError)
	return commonFlags{
		set:        set,
		configPath: set.String("config", config.PathFromEnv(), "Path to timelapse configuration file"),
		pubKey:     set.String("pubkey", config.PublicKeyFromEnv(), "Minisign public key the config must be signed with"),
	}
}

// explicit reports whether the named flag was given on the command line.
func (c commonFlags) explicit(name string) bool {
	found := false
	c.set.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// loadConfig reads the config file. A missing file at the default location
// yields the built-in defaults so a bare install still runs.
func loadConfig(ctx context.Context, flags commonFlags, logger *log.Logger) (config.Config, error) {
	path := *flags.configPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !flags.explicit("config") && *flags.pubKey == "" {
		logger.Printf("config %s not found, using defaults", path)
		return config.Default(), nil
	}

	var (
		cfg config.Config
		err error
	)
	if *flags.pubKey != "" {
		cfg, err = config.LoadVerified(ctx, path, *flags.pubKey)
	} else {
		cfg, err = config.Load(ctx, path)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// pipeline holds everything shared by run and capture.
type pipeline struct {
	cfg      config.Config
	fs       afero.Fs
	logger   *log.Logger
	store    *metrics.Store
	checker  *health.Checker
	writer   *applog.Writer
	recorder events.Recorder
	triggers scheduler.TriggerSet
	device   capture.Device
}

func newPipeline(cfg config.Config, osFs afero.Fs, out io.Writer, logger *log.Logger) (*pipeline, error) {
	root := cfg.Timelapse.Root
	if err := osFs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure root dir: %w", err)
	}

	triggers, err := cfg.TriggerSet()
	if err != nil {
		return nil, err
	}

	device, err := buildDevice(cfg, osFs)
	if err != nil {
		return nil, fmt.Errorf("init camera: %w", err)
	}

	store := metrics.NewStore()
	writer := applog.NewWriter(osFs, root,
		applog.WithLogger(logger),
		applog.WithErrorHook(func(error) { store.IncLogWriteErrors() }),
	)

	return &pipeline{
		cfg:      cfg,
		fs:       osFs,
		logger:   logger,
		store:    store,
		checker:  health.NewChecker(store, cfg.Timelapse.FailureEscalation, staleWindow(triggers)),
		writer:   writer,
		recorder: events.NewMulti(writer, applog.NewConsole(out, writer)),
		triggers: triggers,
		device:   device,
	}, nil
}

func (p *pipeline) runtime(opts ...runtime.Option) *runtime.Runtime {
	sched := scheduler.New(p.triggers, scheduler.WithDuplicateHook(func(string) {
		p.store.IncDuplicates()
	}))
	paths := clock.NewPaths(p.fs, p.cfg.Timelapse.Root)
	base := []runtime.Option{
		runtime.WithWaitInterval(p.cfg.Timelapse.WaitInterval),
		runtime.WithMaxAttempts(p.cfg.Timelapse.MaxAttempts),
		runtime.WithRecorder(p.recorder),
		runtime.WithMetrics(p.store),
		runtime.WithHealthChecker(p.checker),
		runtime.WithSampler(sysstat.NewHost()),
		runtime.WithLogger(p.logger),
	}
	return runtime.New(sched, paths, p.device, append(base, opts...)...)
}

func (p *pipeline) info(message string) {
	p.recorder.Record(types.LogEntry{
		Category:  types.CategoryLog,
		Timestamp: time.Now(),
		Status:    types.StatusInfo,
		Message:   message,
	})
}

func buildDevice(cfg config.Config, osFs afero.Fs) (capture.Device, error) {
	settings := cfg.CameraSettings()
	if settings.Driver == capture.DriverMock {
		return capture.NewMock(osFs, settings), nil
	}
	return capture.NewCommand(settings, capture.Dependencies{})
}

// staleWindow allows two missed triggers before a capture counts as stale.
func staleWindow(triggers scheduler.TriggerSet) time.Duration {
	gap := triggers.MinGap()
	if gap <= 0 {
		gap = 24 * time.Hour
	}
	return 2 * gap
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := newCommonFlags("run")
	if err := flags.set.Parse(args); err != nil {
		return err
	}

	logger := logging.New()
	cfg, err := loadConfig(ctx, flags, logger)
	if err != nil {
		return err
	}

	osFs := afero.NewOsFs()
	p, err := newPipeline(cfg, osFs, out, logger)
	if err != nil {
		return err
	}

	if err := scheduler.CheckPollInterval(cfg.Timelapse.WaitInterval); err != nil {
		logger.Printf("warning: %v", err)
	}

	keyboard := openKeyboard(cfg.Quit.Keys)
	defer keyboard.Close()
	detectors := quit.Any{keyboard}
	if path := cfg.StopFilePath(); path != "" {
		detectors = append(detectors, quit.NewStopFile(osFs, path))
	}

	rt := p.runtime(runtime.WithQuitDetector(detectors))

	logger.Printf("timelapse starting (root=%s, triggers=%d, driver=%s, wait=%s)",
		cfg.Timelapse.Root, p.triggers.Len(), cfg.Camera.Driver, cfg.Timelapse.WaitInterval)
	p.info("Start timelapse")
	fmt.Fprintf(out, "Hold %s to quit program\n", strings.Join(cfg.Quit.Keys, " and "))

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A quit key ends the loop with nil, which errgroup does not treat as
	// cancellation, so the flusher gets its own cancel.
	loopCtx, cancelLoop := context.WithCancel(runCtx)
	defer cancelLoop()

	grp, groupCtx := errgroup.WithContext(loopCtx)

	grp.Go(func() error {
		defer cancelLoop()
		err := rt.Run(groupCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	flusher := metrics.NewFlusher(osFs, cfg.Metrics.Textfile, p.store, cfg.Metrics.FlushInterval, logger)
	grp.Go(func() error {
		err := flusher.Run(groupCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := grp.Wait(); err != nil {
		return err
	}

	p.info("Stop timelapse")
	logger.Printf("timelapse stopped")
	return nil
}

func captureOnce(ctx context.Context, args []string, out io.Writer) error {
	flags := newCommonFlags("capture")
	if err := flags.set.Parse(args); err != nil {
		return err
	}

	logger := logging.New()
	cfg, err := loadConfig(ctx, flags, logger)
	if err != nil {
		return err
	}

	p, err := newPipeline(cfg, afero.NewOsFs(), out, logger)
	if err != nil {
		return err
	}

	res, err := p.runtime().CaptureNow()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "captured %s after %d attempt(s)\n", res.Path, res.Attempts)
	return nil
}

func listTriggers(ctx context.Context, args []string, out io.Writer) error {
	flags := newCommonFlags("triggers")
	if err := flags.set.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, flags, logging.Discard())
	if err != nil {
		return err
	}
	triggers, err := cfg.TriggerSet()
	if err != nil {
		return err
	}

	for _, tod := range triggers.Times() {
		fmt.Fprintln(out, tod)
	}
	fmt.Fprintf(out, "%d triggers, min gap %s\n", triggers.Len(), triggers.MinGap())
	if err := scheduler.CheckPollInterval(cfg.Timelapse.WaitInterval); err != nil {
		fmt.Fprintf(out, "warning: %v\n", err)
	}
	return nil
}

func initConfig(args []string, out io.Writer) error {
	set := flag.NewFlagSet("init", flag.ContinueOnError)
	path := set.String("config", config.DefaultConfigPath, "Where to write the configuration file")
	root := set.String("root", config.DefaultRoot, "Timelapse root directory")
	driver := set.String("driver", capture.DriverLibcamera, "Camera driver (libcamera, raspistill, mock)")
	force := set.Bool("force", false, "Overwrite an existing configuration")

	if err := set.Parse(args); err != nil {
		return err
	}

	cfg := config.Config{}
	cfg.Timelapse.Root = *root
	cfg.Camera.Driver = *driver
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := config.WriteFile(*path, cfg, *force); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", *path)
	return nil
}
