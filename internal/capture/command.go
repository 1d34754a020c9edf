package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const (
	DriverLibcamera  = "libcamera"
	DriverRaspistill = "raspistill"
	DriverMock       = "mock"
)

// Camera settings are fixed at startup and not varied per capture.
type Settings struct {
	Driver   string
	Command  string
	Width    int
	Height   int
	Rotation int
}

// Dependencies allow tests to stub process execution.
type Dependencies struct {
	RunCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Command captures stills by invoking a camera utility once per call.
type Command struct {
	name string
	args func(path string) []string
	deps Dependencies
}

func NewCommand(settings Settings, deps Dependencies) (*Command, error) {
	if deps.RunCommand == nil {
		deps.RunCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			return cmd.CombinedOutput()
		}
	}
	if settings.Width <= 0 || settings.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution %dx%d", settings.Width, settings.Height)
	}

	c := &Command{deps: deps}
	switch settings.Driver {
	case DriverLibcamera, "":
		if settings.Rotation != 0 && settings.Rotation != 180 {
			return nil, fmt.Errorf("libcamera supports rotation 0 or 180, got %d", settings.Rotation)
		}
		c.name = firstNonEmpty(settings.Command, "libcamera-still")
		c.args = func(path string) []string {
			args := []string{
				"--nopreview",
				"--immediate",
				"--width", strconv.Itoa(settings.Width),
				"--height", strconv.Itoa(settings.Height),
			}
			// libcamera only supports flips, so 180 is the one rotation it accepts.
			if settings.Rotation == 180 {
				args = append(args, "--rotation", "180")
			}
			return append(args, "--output", path)
		}
	case DriverRaspistill:
		c.name = firstNonEmpty(settings.Command, "raspistill")
		c.args = func(path string) []string {
			return []string{
				"-n",
				"-t", "1",
				"-w", strconv.Itoa(settings.Width),
				"-h", strconv.Itoa(settings.Height),
				"-rot", strconv.Itoa(settings.Rotation),
				"-o", path,
			}
		}
	default:
		return nil, fmt.Errorf("unsupported camera driver %q", settings.Driver)
	}
	return c, nil
}

// Capture runs the utility to completion. No timeout is applied.
func (c *Command) Capture(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("capture path is required")
	}
	out, err := c.deps.RunCommand(context.Background(), c.name, c.args(path)...)
	if err != nil {
		msg := string(bytes.TrimSpace(out))
		if msg == "" {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		return fmt.Errorf("%s: %w: %s", c.name, err, lastLine(msg))
	}
	return nil
}

func (c *Command) Name() string {
	return c.name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
