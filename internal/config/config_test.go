package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

const sampleYAML = `
timelapse:
  root: /srv/timelapse
  wait_interval: 500ms
  triggers: ["06-00-00", "12-00-00", "18-00-00"]
  max_attempts: 5
camera:
  driver: raspistill
  width: 1920
  height: 1080
  rotation: 0
quit:
  keys: [x, y]
  stop_file: STOP
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timelapse.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Timelapse.Root != "/srv/timelapse" {
		t.Fatalf("unexpected root: %s", cfg.Timelapse.Root)
	}
	if cfg.Timelapse.WaitInterval != 500*time.Millisecond {
		t.Fatalf("unexpected wait interval: %s", cfg.Timelapse.WaitInterval)
	}
	if cfg.Timelapse.MaxAttempts != 5 {
		t.Fatalf("unexpected max attempts: %d", cfg.Timelapse.MaxAttempts)
	}
	if cfg.RotationDegrees() != 0 {
		t.Fatalf("explicit rotation 0 should be kept, got %d", cfg.RotationDegrees())
	}
	if cfg.StopFilePath() != "/srv/timelapse/STOP" {
		t.Fatalf("unexpected stop file: %s", cfg.StopFilePath())
	}
	if cfg.Metrics.Textfile != "/srv/timelapse/log/timelapse.prom" {
		t.Fatalf("unexpected metrics textfile: %s", cfg.Metrics.Textfile)
	}
	set, err := cfg.TriggerSet()
	if err != nil {
		t.Fatalf("TriggerSet: %v", err)
	}
	if set.Len() != 3 || !set.Contains("12-00-00") {
		t.Fatalf("unexpected triggers: %v", set.Times())
	}
	settings := cfg.CameraSettings()
	if settings.Driver != "raspistill" || settings.Width != 1920 || settings.Height != 1080 {
		t.Fatalf("unexpected camera settings: %+v", settings)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Timelapse.Root != DefaultRoot || cfg.Timelapse.WaitInterval != time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg.Timelapse)
	}
	if cfg.Timelapse.MaxAttempts != 10 {
		t.Fatalf("unexpected max attempts %d", cfg.Timelapse.MaxAttempts)
	}
	if cfg.RotationDegrees() != 180 || cfg.Camera.Width != 3280 || cfg.Camera.Height != 2464 {
		t.Fatalf("unexpected camera defaults: %+v", cfg.Camera)
	}
	set, err := cfg.TriggerSet()
	if err != nil {
		t.Fatalf("TriggerSet: %v", err)
	}
	if set.Len() != 48 {
		t.Fatalf("expected 48 default triggers, got %d", set.Len())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad driver":   "camera:\n  driver: webcam\n",
		"bad rotation": "camera:\n  rotation: 45\n",
		"bad trigger":  "timelapse:\n  triggers: [\"25-00-00\"]\n",
		"bad attempts": "timelapse:\n  max_attempts: -1\n",
		"bad yaml":     "timelapse: [\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, contents)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadFS(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/etc/timelapse/timelapse.yaml", []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFS(context.Background(), fsys, "/etc/timelapse/timelapse.yaml")
	if err != nil {
		t.Fatalf("LoadFS returned error: %v", err)
	}
	if cfg.Timelapse.MaxAttempts != 5 || cfg.StopFilePath() != "/srv/timelapse/STOP" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	if _, err := LoadFS(context.Background(), fsys, "/missing.yaml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(envConfigPath, "")
	if got := PathFromEnv(); got != DefaultConfigPath {
		t.Fatalf("expected default path, got %s", got)
	}
	t.Setenv(envConfigPath, "/tmp/custom.yaml")
	if got := PathFromEnv(); got != "/tmp/custom.yaml" {
		t.Fatalf("expected env path, got %s", got)
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv(envConfigPath, path)
	t.Setenv(envPublicKey, "")

	cfg, err := LoadFromEnv(context.Background())
	if err != nil {
		t.Fatalf("LoadFromEnv returned error: %v", err)
	}
	if cfg.Camera.Driver != "raspistill" {
		t.Fatalf("unexpected driver: %s", cfg.Camera.Driver)
	}
}

func TestLoadVerified(t *testing.T) {
	pubKey, err := os.ReadFile(filepath.Clean("testdata/test.pub"))
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}

	cfg, err := LoadVerified(context.Background(), filepath.Clean("testdata/timelapse.yaml"), string(pubKey))
	if err != nil {
		t.Fatalf("LoadVerified returned error: %v", err)
	}
	if cfg.Camera.Driver != "mock" {
		t.Fatalf("unexpected driver: %s", cfg.Camera.Driver)
	}

	unsigned := writeConfig(t, sampleYAML)
	if _, err := LoadVerified(context.Background(), unsigned, string(pubKey)); err == nil {
		t.Fatalf("expected error for unsigned config")
	} else if !strings.Contains(err.Error(), "config signature") {
		t.Fatalf("unexpected error: %v", err)
	}
}
