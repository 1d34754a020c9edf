package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"

	"github.com/pingsantohq/timelapse/internal/clock"
	"github.com/pingsantohq/timelapse/internal/config"
)

const (
	defaultOutputPrefix = "diag_"
	infoFileName        = "diagnostics/info.json"
	configDirName       = "config"
	logsDirName         = "logs"
	observabilityDir    = "observability"
	logDirName          = "log"
	defaultRecent       = 5
)

type multiValue []string

func (mv *multiValue) String() string {
	return strings.Join(*mv, ",")
}

func (mv *multiValue) Set(value string) error {
	if value == "" {
		return nil
	}
	*mv = append(*mv, value)
	return nil
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Now        func() time.Time
	FS         afero.Fs
	RunCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
	DiskUsage  func(path string) (*disk.UsageStat, error)
}

// Run collects the config, append logs, metrics textfile and a snapshot
// summary into a tar.gz bundle for offline troubleshooting.
func Run(ctx context.Context, args []string, deps Dependencies) (err error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.RunCommand == nil {
		deps.RunCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			return cmd.CombinedOutput()
		}
	}
	if deps.DiskUsage == nil {
		deps.DiskUsage = disk.Usage
	}

	set := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := set.String("config", config.PathFromEnv(), "Path to timelapse configuration file")
	pubKey := set.String("pubkey", config.PublicKeyFromEnv(), "Minisign public key used to verify the configuration signature")
	outputPath := set.String("output", "", "Path for diagnostics tarball (default <root>/log/diag_<ts>.tar.gz)")
	recent := set.Int("recent", defaultRecent, "Number of most recent snapshots to list")
	var journalUnits multiValue
	set.Var(&journalUnits, "journal-unit", "Systemd unit to capture via journalctl (repeatable)")
	journalSince := set.Duration("journal-since", time.Hour, "How far back to collect journalctl logs (e.g., 1h)")

	if err := set.Parse(args); err != nil {
		return err
	}

	now := deps.Now().UTC()
	info := bundleInfo{
		GeneratedAt: now.Format(time.RFC3339),
		Warnings:    make([]string, 0, 4),
		GoVersion:   runtime.Version(),
	}

	cfg, err := loadConfig(ctx, deps.FS, *configPath, *pubKey)
	if err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("config unavailable (%s), using defaults: %v", *configPath, err))
		cfg = config.Default()
	} else {
		info.ConfigPath = *configPath
	}
	root := cfg.Timelapse.Root
	info.Root = root
	info.Driver = cfg.Camera.Driver
	if triggers, err := cfg.TriggerSet(); err == nil {
		info.Triggers = triggers.Len()
		info.MinGap = triggers.MinGap().String()
	}

	outPath := *outputPath
	if outPath == "" {
		filename := fmt.Sprintf("%s%s.tar.gz", defaultOutputPrefix, now.Format("20060102T150405Z"))
		outPath = filepath.Join(root, logDirName, filename)
	}
	if err := deps.FS.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure output directory %q: %w", filepath.Dir(outPath), err)
	}
	info.OutputPath = outPath

	outFile, err := deps.FS.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create diagnostics file %q: %w", outPath, err)
	}
	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)
	defer func() {
		closeErr := multierror.Append(nil, tw.Close(), gw.Close(), outFile.Close()).ErrorOrNil()
		if closeErr != nil {
			err = multierror.Append(err, fmt.Errorf("finalize diagnostics file %q: %w", outPath, closeErr))
		}
	}()

	b := bundle{fs: deps.FS, tw: tw, info: &info}

	// The raw config is bundled even when it failed to load or verify.
	if exists, _ := afero.Exists(deps.FS, *configPath); exists {
		b.addFile(*configPath, filepath.ToSlash(filepath.Join(configDirName, filepath.Base(*configPath))))
		sig := *configPath + ".minisig"
		if exists, _ := afero.Exists(deps.FS, sig); exists {
			b.addFile(sig, filepath.ToSlash(filepath.Join(configDirName, filepath.Base(sig))))
		}
	}

	logDir := filepath.Join(root, logDirName)
	if exists, _ := afero.DirExists(deps.FS, logDir); exists {
		b.addLogs(logDir, outPath)
	} else {
		info.Warnings = append(info.Warnings, fmt.Sprintf("log dir %q not found", logDir))
	}

	if data, err := afero.ReadFile(deps.FS, cfg.Metrics.Textfile); err == nil {
		b.addBytes(data, filepath.ToSlash(filepath.Join(observabilityDir, "metrics.prom")))
		summary, warns := summarizeMetrics(data, cfg.Metrics.Textfile)
		info.Metrics = summary
		info.Warnings = append(info.Warnings, warns...)
	} else if !errors.Is(err, fs.ErrNotExist) {
		info.Warnings = append(info.Warnings, fmt.Sprintf("read metrics textfile: %v", err))
	}

	if summary, err := summarizeSnapshots(deps.FS, filepath.Join(root, clock.SnapshotsDirName), *recent); err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("summarize snapshots: %v", err))
	} else {
		info.Snapshots = summary
	}

	if usage, err := deps.DiskUsage(root); err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("disk usage for %q: %v", root, err))
	} else if usage != nil {
		info.Disk = &diskSummary{
			Path:        usage.Path,
			TotalBytes:  usage.Total,
			FreeBytes:   usage.Free,
			UsedPercent: usage.UsedPercent,
		}
	}

	if len(journalUnits) > 0 {
		sinceArg := deps.Now().Add(-*journalSince).Format(time.RFC3339)
		info.Journal = &journalSummary{
			Units: append([]string(nil), journalUnits...),
			Since: sinceArg,
		}
		for _, unit := range journalUnits {
			data, err := deps.RunCommand(ctx, "journalctl", "--unit", unit, "--since", sinceArg, "--no-pager")
			if err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("journalctl for unit %s failed: %v", unit, err))
				continue
			}
			b.addBytes(data, filepath.ToSlash(filepath.Join(logsDirName, "journalctl", sanitizeFilename(unit)+".log")))
		}
	}

	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostics info: %w", err)
	}
	if err := b.write(payload, infoFileName, 0o600, now); err != nil {
		return err
	}
	return nil
}

func loadConfig(ctx context.Context, fsys afero.Fs, path, pubKey string) (config.Config, error) {
	if exists, err := afero.Exists(fsys, path); err != nil || !exists {
		return config.Config{}, fmt.Errorf("config %q not found", path)
	}
	if strings.TrimSpace(pubKey) != "" {
		return config.LoadVerifiedFS(ctx, fsys, path, pubKey)
	}
	return config.LoadFS(ctx, fsys, path)
}

// bundle writes tar entries and turns per-file failures into warnings.
type bundle struct {
	fs   afero.Fs
	tw   *tar.Writer
	info *bundleInfo
}

func (b *bundle) write(data []byte, name string, mode int64, modTime time.Time) error {
	header := &tar.Header{
		Name:    name,
		Mode:    mode,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := b.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %q: %w", name, err)
	}
	if _, err := b.tw.Write(data); err != nil {
		return fmt.Errorf("write tar content for %q: %w", name, err)
	}
	return nil
}

func (b *bundle) addBytes(data []byte, name string) {
	if err := b.write(data, name, 0o600, time.Now()); err != nil {
		b.info.Warnings = append(b.info.Warnings, err.Error())
	}
}

func (b *bundle) addFile(src, name string) {
	stat, err := b.fs.Stat(src)
	if err != nil {
		b.info.Warnings = append(b.info.Warnings, fmt.Sprintf("stat %q: %v", src, err))
		return
	}
	data, err := afero.ReadFile(b.fs, src)
	if err != nil {
		b.info.Warnings = append(b.info.Warnings, fmt.Sprintf("read %q: %v", src, err))
		return
	}
	if err := b.write(data, name, int64(stat.Mode().Perm()), stat.ModTime()); err != nil {
		b.info.Warnings = append(b.info.Warnings, err.Error())
	}
}

// addLogs copies the append logs, skipping earlier bundles and temp files.
func (b *bundle) addLogs(dir, outPath string) {
	err := afero.Walk(b.fs, dir, func(path string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() || path == outPath {
			return nil
		}
		base := filepath.Base(path)
		if strings.HasPrefix(base, defaultOutputPrefix) || strings.HasSuffix(base, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		b.addFile(path, filepath.ToSlash(filepath.Join(logsDirName, rel)))
		return nil
	})
	if err != nil {
		b.info.Warnings = append(b.info.Warnings, fmt.Sprintf("failed to include logs dir %q: %v", dir, err))
	}
}

func summarizeSnapshots(fsys afero.Fs, dir string, recent int) (*snapshotSummary, error) {
	exists, err := afero.DirExists(fsys, dir)
	if err != nil {
		return nil, err
	}
	summary := &snapshotSummary{Path: dir}
	if !exists {
		return summary, nil
	}

	var images []string
	err = afero.Walk(fsys, dir, func(path string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if path != dir {
				summary.DayCount++
			}
			return nil
		}
		if filepath.Ext(path) != clock.ImageExtension {
			return nil
		}
		summary.ImageCount++
		summary.TotalBytes += fi.Size()
		images = append(images, filepath.Base(path))
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Filenames start with the capture timestamp, so lexical order is time order.
	sort.Sort(sort.Reverse(sort.StringSlice(images)))
	if recent > len(images) {
		recent = len(images)
	}
	if recent > 0 {
		summary.Recent = images[:recent]
	}
	return summary, nil
}

func summarizeMetrics(data []byte, path string) (*metricsSummary, []string) {
	summary := &metricsSummary{Path: path}
	var warnings []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || strings.HasPrefix(line, "#") {
			continue
		}
		var dst **uint64
		switch fields[0] {
		case "timelapse_ticks_total":
			dst = &summary.Ticks
		case `timelapse_captures_total{result="success"}`:
			dst = &summary.CapturesOK
		case `timelapse_captures_total{result="failure"}`:
			dst = &summary.CapturesFailed
		case "timelapse_consecutive_failures_number":
			val, err := parseMetricValue(line, fields[0])
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("parse consecutive failures: %v", err))
				continue
			}
			summary.ConsecutiveFailures = ptrInt64(int64(val))
			continue
		default:
			continue
		}
		val, err := parseMetricValue(line, fields[0])
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("parse %s: %v", fields[0], err))
			continue
		}
		*dst = ptrUint64(uint64(val))
	}
	return summary, warnings
}

func parseMetricValue(line, name string) (float64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("invalid metric line %q", line)
	}
	if fields[0] != name {
		return 0, fmt.Errorf("expected metric %s, got %s", name, fields[0])
	}
	return strconv.ParseFloat(fields[1], 64)
}

func ptrInt64(v int64) *int64 {
	return &v
}

func ptrUint64(v uint64) *uint64 {
	return &v
}

func sanitizeFilename(input string) string {
	safe := strings.ReplaceAll(input, "/", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	if safe == "" {
		return "unknown"
	}
	return safe
}

type bundleInfo struct {
	GeneratedAt string           `json:"generated_at"`
	OutputPath  string           `json:"output_path"`
	ConfigPath  string           `json:"config_path,omitempty"`
	Root        string           `json:"root"`
	Driver      string           `json:"driver"`
	Triggers    int              `json:"triggers"`
	MinGap      string           `json:"min_gap,omitempty"`
	Snapshots   *snapshotSummary `json:"snapshots,omitempty"`
	Metrics     *metricsSummary  `json:"metrics,omitempty"`
	Disk        *diskSummary     `json:"disk,omitempty"`
	Journal     *journalSummary  `json:"journal,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	GoVersion   string           `json:"go_version"`
}

type snapshotSummary struct {
	Path       string   `json:"path"`
	DayCount   int      `json:"day_count"`
	ImageCount int      `json:"image_count"`
	TotalBytes int64    `json:"total_size_bytes"`
	Recent     []string `json:"recent,omitempty"`
}

type metricsSummary struct {
	Path                string  `json:"path"`
	Ticks               *uint64 `json:"ticks_total,omitempty"`
	CapturesOK          *uint64 `json:"captures_ok_total,omitempty"`
	CapturesFailed      *uint64 `json:"captures_failed_total,omitempty"`
	ConsecutiveFailures *int64  `json:"consecutive_failures,omitempty"`
}

type diskSummary struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type journalSummary struct {
	Units []string `json:"units"`
	Since string   `json:"since"`
}
