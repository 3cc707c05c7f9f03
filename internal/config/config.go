package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file accepted by Load.
const MaxConfigFileBytes = 1 << 20

// EnvPrefix is the prefix of environment overrides.
// RINGSCAN_GANTRY__FEED_SLOW_Z=20 overrides gantry.feed_slow_z.
const EnvPrefix = "RINGSCAN_"

// GRBLConfig describes the serial link to the motion controller.
type GRBLConfig struct {
	Port                 string  `yaml:"port"`                    // e.g. /dev/ttyUSB0
	Baud                 int     `yaml:"baud"`                    // GRBL default 115200
	Mock                 bool    `yaml:"mock"`                    // use the in-process GRBL simulator
	PollHz               float64 `yaml:"poll_hz"`                 // status query rate
	SettleMs             int     `yaml:"settle_ms"`               // delay before the first idle check
	StateLockTimeoutMs   int     `yaml:"state_lock_timeout_ms"`   // bounded wait on the stage state
	OpenTimeoutMs        int     `yaml:"open_timeout_ms"`         // total budget for opening the port
	StaleStatusTimeoutMs int     `yaml:"stale_status_timeout_ms"` // a status older than this is "unknown"
}

// GantryConfig holds feed rates in mm/min.
type GantryConfig struct {
	FeedSlowXY float64 `yaml:"feed_slow_xy"`
	FeedSlowZ  float64 `yaml:"feed_slow_z"`
	FeedFastXY float64 `yaml:"feed_fast_xy"`
	FeedFastZ  float64 `yaml:"feed_fast_z"`
}

// CameraConfig describes how frames are written to disk.
// Type selects a concrete implementation ("exec", "gpio" or "sim").
type CameraConfig struct {
	Type             string `yaml:"type"`
	Command          string `yaml:"command"`   // exec: argv template, {path} is replaced by the target file
	Extension        string `yaml:"extension"` // file extension of saved frames, e.g. "tiff"
	WidthPx          int    `yaml:"width_px"`
	HeightPx         int    `yaml:"height_px"`
	CaptureTimeoutMs int    `yaml:"capture_timeout_ms"`

	// gpio: tethered camera fired through its remote connector, the tether
	// software drops each frame into WatchDir.
	FocusPin      int    `yaml:"focus_pin"`
	ShutterPin    int    `yaml:"shutter_pin"`
	FocusDelayMs  int    `yaml:"focus_delay_ms"`
	ShutterHoldMs int    `yaml:"shutter_hold_ms"`
	WatchDir      string `yaml:"watch_dir"`
}

// CaptureConfig holds the bracket and traversal parameters.
type CaptureConfig struct {
	ImagesPerBracket      int     `yaml:"images_per_bracket"`     // odd
	HeightRangeMm         float64 `yaml:"height_range_mm"`        // Z window swept per cell
	AccelerationBufferMm  float64 `yaml:"acceleration_buffer_mm"` // distance to reach constant velocity
	SettleMs              int     `yaml:"settle_ms"`              // pause after an XY move
	HomeBeforeRun         bool    `yaml:"home_before_run"`
	OutputRoot            string  `yaml:"output_root"`
	CoreCenteringImages   int     `yaml:"core_centering_images"`
	CoreCenteringRangeMm  float64 `yaml:"core_centering_range_mm"`
	CoreCenteringGain     float64 `yaml:"core_centering_gain"`
	DeleteDiscardedFrames bool    `yaml:"delete_discarded_frames"`
}

// FocusConfig holds the scorer and the feedback loop tuning.
type FocusConfig struct {
	Kp                     float64 `yaml:"kp"`
	Ki                     float64 `yaml:"ki"`
	Kd                     float64 `yaml:"kd"`
	PIDScaleFactor         float64 `yaml:"pid_scale_factor"`         // mm of Z per unit of PID output
	BackgroundStdThreshold float64 `yaml:"background_std_threshold"` // below this a batch is background
	ArchiveDir             string  `yaml:"archive_dir"`              // optional, discarded frames are moved here
	BlurSigma              float64 `yaml:"blur_sigma"`               // Gaussian blur before the Laplacian
	ReadRetries            int     `yaml:"read_retries"`
}

// CoreConfig tunes the open-ended sweep used for vertical cores.
type CoreConfig struct {
	Sweep             bool    `yaml:"sweep"` // false: vertical cores are gridded like cookies
	StepMm            float64 `yaml:"step_mm"`
	RefocusEvery      int     `yaml:"refocus_every"`
	SearchWindowMm    float64 `yaml:"search_window_mm"`
	SearchToleranceMm float64 `yaml:"search_tolerance_mm"`
	EdgeThreshold     float64 `yaml:"edge_threshold"`
	EdgeStripFraction float64 `yaml:"edge_strip_fraction"`
	MaxSteps          int     `yaml:"max_steps"`
}

// LightConfig describes the ring light relay and the abort button.
type LightConfig struct {
	Enabled  bool `yaml:"enabled"`
	MockGPIO bool `yaml:"mock_gpio"` // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	LightPin int  `yaml:"light_pin"` // BCM, 0 = not used
	AbortPin int  `yaml:"abort_pin"` // BCM, 0 = not used, active LOW
}

// StitchConfig describes the external mosaicking hand-off.
type StitchConfig struct {
	Command       string    `yaml:"command"` // argv template; {dir} {out} {overlap} {size} are replaced
	Sizes         []float64 `yaml:"sizes"`   // output scale fractions tried in order
	MaxFileSizeGB float64   `yaml:"max_file_size_gb"`
}

// StoreConfig points at the SQLite run ledger.
type StoreConfig struct {
	Path string `yaml:"path"` // empty disables the ledger
}

// ArchiveConfig enables upload of finished samples to S3.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"` // empty disables uploads
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // S3-compatible store, e.g. MinIO
	PathStyle bool   `yaml:"path_style"`
	// Static keys; both empty uses the default AWS credential chain.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// WebConfig holds web mode parameters.
type WebConfig struct {
	RateLimitS float64 `yaml:"rate_limit_s"` // minimum spacing between POST /run
}

// DefaultsConfig contains the per-sample defaults offered to the operator.
type DefaultsConfig struct {
	DebugLevel     int     `yaml:"debug_level"`     // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	OverlapPercent float64 `yaml:"overlap_percent"` // overlap between tiles (0-100)
	ImageWidthMm   float64 `yaml:"image_width_mm"`  // field of view width
	ImageHeightMm  float64 `yaml:"image_height_mm"` // field of view height
}

// Config aggregates all application configuration.
type Config struct {
	GRBL     GRBLConfig     `yaml:"grbl"`
	Gantry   GantryConfig   `yaml:"gantry"`
	Camera   CameraConfig   `yaml:"camera"`
	Capture  CaptureConfig  `yaml:"capture"`
	Focus    FocusConfig    `yaml:"focus"`
	Core     CoreConfig     `yaml:"core"`
	Light    LightConfig    `yaml:"light"`
	Stitch   StitchConfig   `yaml:"stitch"`
	Store    StoreConfig    `yaml:"store"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		GRBL: GRBLConfig{
			Port:                 "/dev/ttyUSB0",
			Baud:                 115200,
			PollHz:               5,
			SettleMs:             500,
			StateLockTimeoutMs:   3000,
			OpenTimeoutMs:        3000,
			StaleStatusTimeoutMs: 2000,
		},
		Gantry: GantryConfig{
			FeedSlowXY: 200,
			FeedSlowZ:  15,
			FeedFastXY: 500,
			FeedFastZ:  75,
		},
		Camera: CameraConfig{
			Type:             "sim",
			Extension:        "tiff",
			WidthPx:          640,
			HeightPx:         480,
			CaptureTimeoutMs: 5000,
			FocusPin:         24,
			ShutterPin:       25,
			FocusDelayMs:     0,
			ShutterHoldMs:    100,
		},
		Capture: CaptureConfig{
			ImagesPerBracket:      9,
			HeightRangeMm:         1,
			AccelerationBufferMm:  0.2,
			SettleMs:              500,
			HomeBeforeRun:         false,
			OutputRoot:            ".",
			CoreCenteringImages:   5,
			CoreCenteringRangeMm:  2,
			CoreCenteringGain:     1,
			DeleteDiscardedFrames: true,
		},
		Focus: FocusConfig{
			Kp:                     1.0,
			Ki:                     0.1,
			Kd:                     0.05,
			PIDScaleFactor:         0.1,
			BackgroundStdThreshold: 5,
			BlurSigma:              1,
			ReadRetries:            3,
		},
		Core: CoreConfig{
			Sweep:             true,
			StepMm:            2,
			RefocusEvery:      5,
			SearchWindowMm:    1,
			SearchToleranceMm: 0.02,
			EdgeThreshold:     5,
			EdgeStripFraction: 0.1,
			MaxSteps:          500,
		},
		Light: LightConfig{
			MockGPIO: true,
		},
		Stitch: StitchConfig{
			Sizes:         []float64{1, 0.75, 0.5, 0.25},
			MaxFileSizeGB: 4,
		},
		Web: WebConfig{
			RateLimitS: 2,
		},
		Defaults: DefaultsConfig{
			DebugLevel:     1,
			OverlapPercent: 20,
			ImageWidthMm:   3,
			ImageHeightMm:  2,
		},
	}
}

// ValidateConfigPath checks that path is a .yaml file located directly in a
// "configs" directory and does not traverse out of it.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "../") {
		return fmt.Errorf("config path %q must not contain traversal", path)
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load layers the built-in defaults, the YAML file at path (if path is not
// empty) and RINGSCAN_ environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if fi.Size() > MaxConfigFileBytes {
			return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, fi.Size(), MaxConfigFileBytes)
		}
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the capture loop relies on.
func (c *Config) Validate() error {
	if !c.GRBL.Mock && c.GRBL.Port == "" {
		return errors.New("grbl.port is required unless grbl.mock is set")
	}
	if c.GRBL.Baud <= 0 {
		return fmt.Errorf("grbl.baud must be > 0, got %d", c.GRBL.Baud)
	}
	if c.GRBL.PollHz <= 0 {
		return fmt.Errorf("grbl.poll_hz must be > 0, got %g", c.GRBL.PollHz)
	}
	if c.GRBL.SettleMs < 0 || c.GRBL.StateLockTimeoutMs <= 0 {
		return errors.New("grbl.settle_ms must be >= 0 and grbl.state_lock_timeout_ms > 0")
	}
	for name, v := range map[string]float64{
		"gantry.feed_slow_xy": c.Gantry.FeedSlowXY,
		"gantry.feed_slow_z":  c.Gantry.FeedSlowZ,
		"gantry.feed_fast_xy": c.Gantry.FeedFastXY,
		"gantry.feed_fast_z":  c.Gantry.FeedFastZ,
	} {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be > 0, got %g", name, v)
		}
	}
	switch c.Camera.Type {
	case "sim":
	case "gpio":
		if strings.TrimSpace(c.Camera.WatchDir) == "" {
			return errors.New("camera.watch_dir is required for camera.type gpio")
		}
		if c.Camera.FocusPin == c.Camera.ShutterPin {
			return errors.New("camera.focus_pin and camera.shutter_pin must differ")
		}
	case "exec":
		if strings.TrimSpace(c.Camera.Command) == "" {
			return errors.New("camera.command is required for camera.type exec")
		}
	case "":
		return errors.New("camera.type is required")
	default:
		return fmt.Errorf("unsupported camera.type: %s", c.Camera.Type)
	}
	if n := c.Capture.ImagesPerBracket; n < 1 || n%2 == 0 {
		return fmt.Errorf("capture.images_per_bracket must be odd and >= 1, got %d", n)
	}
	if c.Capture.HeightRangeMm < 0 || c.Capture.AccelerationBufferMm < 0 {
		return errors.New("capture.height_range_mm and capture.acceleration_buffer_mm must be >= 0")
	}
	if n := c.Capture.CoreCenteringImages; n < 1 || n%2 == 0 {
		return fmt.Errorf("capture.core_centering_images must be odd and >= 1, got %d", n)
	}
	if c.Focus.BackgroundStdThreshold < 0 {
		return fmt.Errorf("focus.background_std_threshold must be >= 0, got %g", c.Focus.BackgroundStdThreshold)
	}
	if c.Focus.BlurSigma < 0 {
		return fmt.Errorf("focus.blur_sigma must be >= 0, got %g", c.Focus.BlurSigma)
	}
	if c.Core.StepMm <= 0 || c.Core.RefocusEvery < 1 || c.Core.MaxSteps < 1 {
		return errors.New("core.step_mm, core.refocus_every and core.max_steps must be > 0")
	}
	if c.Core.EdgeStripFraction <= 0 || c.Core.EdgeStripFraction > 1 {
		return fmt.Errorf("core.edge_strip_fraction must be in (0, 1], got %g", c.Core.EdgeStripFraction)
	}
	if c.Core.SearchToleranceMm <= 0 || c.Core.SearchWindowMm <= 0 {
		return errors.New("core.search_window_mm and core.search_tolerance_mm must be > 0")
	}
	if len(c.Stitch.Sizes) == 0 {
		return errors.New("stitch.sizes must not be empty")
	}
	for _, s := range c.Stitch.Sizes {
		if s <= 0 || s > 1 {
			return fmt.Errorf("stitch.sizes entries must be in (0, 1], got %g", s)
		}
	}
	if c.Stitch.MaxFileSizeGB <= 0 {
		return fmt.Errorf("stitch.max_file_size_gb must be > 0, got %g", c.Stitch.MaxFileSizeGB)
	}
	if c.Defaults.OverlapPercent < 0 || c.Defaults.OverlapPercent >= 100 {
		return fmt.Errorf("overlap_percent must be in [0, 100), got %.2f", c.Defaults.OverlapPercent)
	}
	if c.Defaults.ImageWidthMm <= 0 || c.Defaults.ImageHeightMm <= 0 {
		return errors.New("defaults.image_width_mm and defaults.image_height_mm must be > 0")
	}
	return nil
}

// WriteDefault writes the built-in configuration as YAML to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// PollInterval returns the status query period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.GRBL.PollHz)
}

// Settle returns the delay before the first idle check after a jog.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.GRBL.SettleMs) * time.Millisecond
}

// StateLockTimeout returns the bounded wait on the stage state lock.
func (c *Config) StateLockTimeout() time.Duration {
	return time.Duration(c.GRBL.StateLockTimeoutMs) * time.Millisecond
}

// OpenTimeout returns the total budget for opening the serial port.
func (c *Config) OpenTimeout() time.Duration {
	return time.Duration(c.GRBL.OpenTimeoutMs) * time.Millisecond
}

// StaleStatusTimeout returns the age after which a status snapshot is unknown.
func (c *Config) StaleStatusTimeout() time.Duration {
	return time.Duration(c.GRBL.StaleStatusTimeoutMs) * time.Millisecond
}

// CaptureSettle returns the pause after an XY move before bracketing.
func (c *Config) CaptureSettle() time.Duration {
	return time.Duration(c.Capture.SettleMs) * time.Millisecond
}

// CaptureTimeout returns the per-frame camera timeout.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Camera.CaptureTimeoutMs) * time.Millisecond
}

// OverlapRatio returns the overlap as a ratio (0.0 to 1.0).
// For example, 20% becomes 0.2.
func (c *Config) OverlapRatio() float64 {
	return c.Defaults.OverlapPercent / 100.0
}

// RateLimit returns the minimum spacing between two web run requests.
func (c *Config) RateLimit() time.Duration {
	return time.Duration(c.Web.RateLimitS * float64(time.Second))
}
