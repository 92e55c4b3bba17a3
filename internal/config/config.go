package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	GPS       GPSConfig       `yaml:"gps"`
	TimeSync  TimeSyncConfig  `yaml:"timesync"`
	Camera    CameraConfig    `yaml:"camera"`
	Capture   CaptureConfig   `yaml:"capture"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Web       WebConfig       `yaml:"web"`
	Session   SessionConfig   `yaml:"session"`
}

type GPSConfig struct {
	Enable bool   `yaml:"enable"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`

	// StalenessCeiling bounds how old the last fix may be while the
	// position is still reported as valid.
	StalenessCeiling time.Duration `yaml:"staleness_ceiling"`
}

type TimeSyncConfig struct {
	Enable         bool          `yaml:"enable"`
	DriftThreshold time.Duration `yaml:"drift_threshold"`
	Cooldown       time.Duration `yaml:"cooldown"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type CameraConfig struct {
	Device       string        `yaml:"device"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	FrameTimeout time.Duration `yaml:"frame_timeout"`
}

type CaptureConfig struct {
	TargetFPS        float64       `yaml:"target_fps"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ReinitAttempts   int           `yaml:"reinit_attempts"`
	ReinitBackoff    time.Duration `yaml:"reinit_backoff"`
}

type WriterConfig struct {
	PairingTolerance    time.Duration `yaml:"pairing_tolerance"`
	WriteRetries        int           `yaml:"write_retries"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	MinFreeBytes        uint64        `yaml:"min_free_bytes"`
	MaxConsecutiveDrops int           `yaml:"max_consecutive_drops"`
	FilePrefix          string        `yaml:"file_prefix"`
}

type StorageConfig struct {
	RemovableRoot string `yaml:"removable_root"`
	FallbackDir   string `yaml:"fallback_dir"`
	SubDir        string `yaml:"sub_dir"`
}

type TelemetryConfig struct {
	Enable      bool          `yaml:"enable"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	Interval    time.Duration `yaml:"interval"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type SessionConfig struct {
	// DrainTimeout bounds flushing queued frames to disk at shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset fields with shipped defaults and rejects
// values the pipeline cannot run with.
func DefaultAndValidate(cfg *Config) error {
	if cfg.GPS.Baud < 0 {
		return fmt.Errorf("gps.baud must be positive")
	}
	if cfg.GPS.Baud == 0 {
		cfg.GPS.Baud = 9600
	}
	if cfg.GPS.StalenessCeiling <= 0 {
		cfg.GPS.StalenessCeiling = 10 * time.Second
	}

	if cfg.TimeSync.DriftThreshold <= 0 {
		cfg.TimeSync.DriftThreshold = 2 * time.Second
	}
	if cfg.TimeSync.Cooldown <= 0 {
		cfg.TimeSync.Cooldown = 5 * time.Minute
	}
	if cfg.TimeSync.PollInterval <= 0 {
		cfg.TimeSync.PollInterval = time.Second
	}

	if cfg.Camera.Device == "" {
		cfg.Camera.Device = "/dev/video0"
	}
	if cfg.Camera.Width == 0 && cfg.Camera.Height == 0 {
		cfg.Camera.Width, cfg.Camera.Height = 1920, 1080
	}
	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		return fmt.Errorf("camera.width and camera.height must both be positive")
	}
	if cfg.Camera.FrameTimeout <= 0 {
		cfg.Camera.FrameTimeout = 5 * time.Second
	}

	if cfg.Capture.TargetFPS < 0 {
		return fmt.Errorf("capture.target_fps must be positive")
	}
	if cfg.Capture.TargetFPS == 0 {
		cfg.Capture.TargetFPS = 2
	}
	if cfg.Capture.QueueCapacity <= 0 {
		cfg.Capture.QueueCapacity = 64
	}
	if cfg.Capture.FailureThreshold <= 0 {
		cfg.Capture.FailureThreshold = 5
	}
	if cfg.Capture.ReinitAttempts <= 0 {
		cfg.Capture.ReinitAttempts = 3
	}
	if cfg.Capture.ReinitBackoff <= 0 {
		cfg.Capture.ReinitBackoff = time.Second
	}

	if cfg.Writer.PairingTolerance <= 0 {
		cfg.Writer.PairingTolerance = time.Second
	}
	if cfg.Writer.WriteRetries <= 0 {
		cfg.Writer.WriteRetries = 3
	}
	if cfg.Writer.RetryBackoff <= 0 {
		cfg.Writer.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Writer.MinFreeBytes == 0 {
		cfg.Writer.MinFreeBytes = 256 << 20
	}
	if cfg.Writer.MaxConsecutiveDrops <= 0 {
		cfg.Writer.MaxConsecutiveDrops = 10
	}
	if cfg.Writer.FilePrefix == "" {
		cfg.Writer.FilePrefix = "bathycat"
	}

	if cfg.Storage.RemovableRoot == "" {
		cfg.Storage.RemovableRoot = "/media"
	}
	if cfg.Storage.FallbackDir == "" {
		cfg.Storage.FallbackDir = "/var/lib/bathycat/imagery"
	}
	if cfg.Storage.SubDir == "" {
		cfg.Storage.SubDir = "bathycat"
	}

	if cfg.Telemetry.Enable {
		if cfg.Telemetry.Broker == "" {
			return fmt.Errorf("telemetry.broker is required when telemetry.enable is true")
		}
		if cfg.Telemetry.ClientID == "" {
			cfg.Telemetry.ClientID = "bathycat-imager"
		}
		if cfg.Telemetry.TopicPrefix == "" {
			cfg.Telemetry.TopicPrefix = "bathycat"
		}
		if cfg.Telemetry.Interval <= 0 {
			cfg.Telemetry.Interval = time.Second
		}
	}

	if cfg.Web.Enable && cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8181"
	}

	if cfg.Session.DrainTimeout <= 0 {
		cfg.Session.DrainTimeout = 15 * time.Second
	}

	return nil
}
