package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/timelapse/internal/capture"
	"github.com/pingsantohq/timelapse/internal/scheduler"
	"github.com/pingsantohq/timelapse/internal/verify"
)

const (
	envConfigPath     = "TIMELAPSE_CONFIG"
	envPublicKey      = "TIMELAPSE_CONFIG_PUBKEY"
	DefaultConfigPath = "/etc/timelapse/timelapse.yaml"
)

// Defaults target a Raspberry Pi camera module writing to a USB drive.
const (
	DefaultRoot              = "/media/pi/COMES/timelapse"
	DefaultWaitInterval      = time.Second
	DefaultEvery             = 30 * time.Minute
	DefaultFailureEscalation = 3
	DefaultWidth             = 3280
	DefaultHeight            = 2464
	DefaultRotation          = 180
	DefaultFlushInterval     = 30 * time.Second
	metricsFileName          = "timelapse.prom"
)

type Config struct {
	Timelapse TimelapseConfig `yaml:"timelapse"`
	Camera    CameraConfig    `yaml:"camera"`
	Quit      QuitConfig      `yaml:"quit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type TimelapseConfig struct {
	Root              string        `yaml:"root"`
	WaitInterval      time.Duration `yaml:"wait_interval"`
	Every             time.Duration `yaml:"every"`
	Triggers          []string      `yaml:"triggers"`
	MaxAttempts       int           `yaml:"max_attempts"`
	FailureEscalation int           `yaml:"failure_escalation"`
}

type CameraConfig struct {
	Driver   string `yaml:"driver"`
	Command  string `yaml:"command"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	Rotation *int   `yaml:"rotation"`
}

type QuitConfig struct {
	Keys     []string `yaml:"keys"`
	StopFile string   `yaml:"stop_file"`
}

type MetricsConfig struct {
	Textfile      string        `yaml:"textfile"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns a fully populated configuration.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values. Rotation is a pointer so an explicit 0 survives.
func (c *Config) ApplyDefaults() {
	if c.Timelapse.Root == "" {
		c.Timelapse.Root = DefaultRoot
	}
	if c.Timelapse.WaitInterval <= 0 {
		c.Timelapse.WaitInterval = DefaultWaitInterval
	}
	if c.Timelapse.Every <= 0 && len(c.Timelapse.Triggers) == 0 {
		c.Timelapse.Every = DefaultEvery
	}
	if c.Timelapse.MaxAttempts == 0 {
		c.Timelapse.MaxAttempts = capture.DefaultMaxAttempts
	}
	if c.Timelapse.FailureEscalation <= 0 {
		c.Timelapse.FailureEscalation = DefaultFailureEscalation
	}
	if c.Camera.Driver == "" {
		c.Camera.Driver = capture.DriverLibcamera
	}
	if c.Camera.Width == 0 {
		c.Camera.Width = DefaultWidth
	}
	if c.Camera.Height == 0 {
		c.Camera.Height = DefaultHeight
	}
	if c.Camera.Rotation == nil {
		rot := DefaultRotation
		c.Camera.Rotation = &rot
	}
	if len(c.Quit.Keys) == 0 {
		c.Quit.Keys = []string{"q", "p"}
	}
	if c.Metrics.Textfile == "" {
		c.Metrics.Textfile = filepath.Join(c.Timelapse.Root, "log", metricsFileName)
	}
	if c.Metrics.FlushInterval <= 0 {
		c.Metrics.FlushInterval = DefaultFlushInterval
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Timelapse.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("timelapse.max_attempts must be at least 1, got %d", c.Timelapse.MaxAttempts))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, fmt.Errorf("camera resolution must be positive, got %dx%d", c.Camera.Width, c.Camera.Height))
	}
	switch c.Camera.Driver {
	case capture.DriverLibcamera, capture.DriverRaspistill, capture.DriverMock:
	default:
		errs = append(errs, fmt.Errorf("camera.driver %q is not one of libcamera, raspistill, mock", c.Camera.Driver))
	}
	if rot := c.RotationDegrees(); rot != 0 && rot != 90 && rot != 180 && rot != 270 {
		errs = append(errs, fmt.Errorf("camera.rotation must be 0, 90, 180 or 270, got %d", rot))
	}
	if _, err := c.TriggerSet(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) RotationDegrees() int {
	if c.Camera.Rotation == nil {
		return DefaultRotation
	}
	return *c.Camera.Rotation
}

// TriggerSet resolves the explicit trigger list, or the interval when the list is empty.
func (c Config) TriggerSet() (scheduler.TriggerSet, error) {
	if len(c.Timelapse.Triggers) > 0 {
		set, err := scheduler.NewTriggerSet(c.Timelapse.Triggers)
		if err != nil {
			return scheduler.TriggerSet{}, fmt.Errorf("timelapse.triggers: %w", err)
		}
		return set, nil
	}
	set, err := scheduler.EveryInterval(c.Timelapse.Every)
	if err != nil {
		return scheduler.TriggerSet{}, fmt.Errorf("timelapse.every: %w", err)
	}
	return set, nil
}

// CameraSettings converts the camera section for the capture package.
func (c Config) CameraSettings() capture.Settings {
	return capture.Settings{
		Driver:   c.Camera.Driver,
		Command:  c.Camera.Command,
		Width:    c.Camera.Width,
		Height:   c.Camera.Height,
		Rotation: c.RotationDegrees(),
	}
}

// StopFilePath resolves quit.stop_file against the root. Empty when unset.
func (c Config) StopFilePath() string {
	if c.Quit.StopFile == "" {
		return ""
	}
	if filepath.IsAbs(c.Quit.StopFile) {
		return c.Quit.StopFile
	}
	return filepath.Join(c.Timelapse.Root, c.Quit.StopFile)
}

func Load(ctx context.Context, path string) (Config, error) {
	return LoadFS(ctx, afero.NewOsFs(), path)
}

// LoadFS reads and validates the config at path on fsys.
func LoadFS(ctx context.Context, fsys afero.Fs, path string) (Config, error) {
	var cfg Config

	f, err := fsys.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	return parse(path, data)
}

// LoadVerified checks the detached signature at path+".minisig" against
// pubKey before loading the file.
func LoadVerified(ctx context.Context, path, pubKey string) (Config, error) {
	return LoadVerifiedFS(ctx, afero.NewOsFs(), path, pubKey)
}

// LoadVerifiedFS is LoadVerified over fsys.
func LoadVerifiedFS(ctx context.Context, fsys afero.Fs, path, pubKey string) (Config, error) {
	verifier, err := verify.NewMinisignVerifier(pubKey)
	if err != nil {
		return Config{}, err
	}
	if err := verifier.VerifyFile(fsys, filepath.Clean(path), ""); err != nil {
		return Config{}, fmt.Errorf("config signature: %w", err)
	}
	return LoadFS(ctx, fsys, path)
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := PathFromEnv()
	if pubKey := os.Getenv(envPublicKey); pubKey != "" {
		return LoadVerified(ctx, path, pubKey)
	}
	return Load(ctx, path)
}

// PathFromEnv returns TIMELAPSE_CONFIG or the default config path.
func PathFromEnv() string {
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}
	return DefaultConfigPath
}

// PublicKeyFromEnv returns the signing key configured in the environment, if any.
func PublicKeyFromEnv() string {
	return os.Getenv(envPublicKey)
}

func parse(path string, data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}
