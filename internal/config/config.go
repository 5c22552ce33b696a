// Package config parses the environment-variable driven configuration for
// camwatch, following the teacher's flag+env pattern in cmd/server/main.go
// (no Viper, no config file format): every flag has a matching env-var
// fallback so the process can be configured identically from a shell or a
// container orchestrator.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in spec.md §6 plus the server-level
// fields (addr, paths, logging) needed to run the process.
type Config struct {
	Addr           string
	WSPath         string
	RecordingsRoot string
	LogLevel       string
	LogFormat      string

	TargetFPS float64
	MinFPS    float64

	BufferCapacity    int
	MinBufferedFrames int
	BufferingDelay    time.Duration
	MaxBufferingTime  time.Duration

	MinQuality int
	MaxQuality int

	RecordingFPS                float64
	MinFramesPerSegment         int
	MinSegmentDuration          time.Duration
	TargetSegmentDuration       time.Duration
	MaxSegmentDuration          time.Duration
	AbsoluteMinSegmentSizeBytes int64
	RetentionDays               int
}

// Load parses flags (falling back to environment variables of the same
// name, upper-cased with a CAMWATCH_ prefix) into a Config. args is
// typically os.Args[1:]; pass nil to parse only from the environment.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("camwatch", flag.ContinueOnError)

	cfg := Config{}

	stringVar(fs, &cfg.Addr, "addr", "CAMWATCH_ADDR", ":8080", "HTTP listen address")
	stringVar(fs, &cfg.WSPath, "ws-path", "CAMWATCH_WS_PATH", "/ws", "ingest WebSocket path")
	stringVar(fs, &cfg.RecordingsRoot, "recordings-root", "CAMWATCH_RECORDINGS_ROOT", "./recordings", "segment storage root")
	stringVar(fs, &cfg.LogLevel, "log-level", "CAMWATCH_LOG_LEVEL", "info", "log level: debug, info, warn, error")
	stringVar(fs, &cfg.LogFormat, "log-format", "CAMWATCH_LOG_FORMAT", "json", "log format: json or text")

	float64Var(fs, &cfg.TargetFPS, "target-fps", "CAMWATCH_TARGET_FPS", 30)
	float64Var(fs, &cfg.MinFPS, "min-fps", "CAMWATCH_MIN_FPS", 15)

	intVar(fs, &cfg.BufferCapacity, "buffer-capacity", "CAMWATCH_BUFFER_CAPACITY", 150)
	intVar(fs, &cfg.MinBufferedFrames, "min-buffered-frames", "CAMWATCH_MIN_BUFFERED_FRAMES", 8)
	durationVar(fs, &cfg.BufferingDelay, "buffering-delay", "CAMWATCH_BUFFERING_DELAY", time.Second)
	durationVar(fs, &cfg.MaxBufferingTime, "max-buffering-time", "CAMWATCH_MAX_BUFFERING_TIME", 2*time.Second)

	intVar(fs, &cfg.MinQuality, "min-quality", "CAMWATCH_MIN_QUALITY", 60)
	intVar(fs, &cfg.MaxQuality, "max-quality", "CAMWATCH_MAX_QUALITY", 90)

	float64Var(fs, &cfg.RecordingFPS, "recording-fps", "CAMWATCH_RECORDING_FPS", 60)
	intVar(fs, &cfg.MinFramesPerSegment, "min-frames-per-segment", "CAMWATCH_MIN_FRAMES_PER_SEGMENT", 3600)
	durationVar(fs, &cfg.MinSegmentDuration, "min-segment-duration", "CAMWATCH_MIN_SEGMENT_DURATION", 60*time.Second)
	durationVar(fs, &cfg.TargetSegmentDuration, "target-segment-duration", "CAMWATCH_TARGET_SEGMENT_DURATION", 10*time.Minute)
	durationVar(fs, &cfg.MaxSegmentDuration, "max-segment-duration", "CAMWATCH_MAX_SEGMENT_DURATION", 30*time.Minute)
	int64Var(fs, &cfg.AbsoluteMinSegmentSizeBytes, "absolute-min-segment-size-bytes", "CAMWATCH_ABSOLUTE_MIN_SEGMENT_SIZE_BYTES", 512000)
	intVar(fs, &cfg.RetentionDays, "retention-days", "CAMWATCH_RETENTION_DAYS", 14)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MinQuality < 0 || c.MaxQuality > 100 || c.MinQuality > c.MaxQuality {
		return fmt.Errorf("config: invalid quality bounds [%d,%d]", c.MinQuality, c.MaxQuality)
	}
	if c.MinFPS <= 0 || c.TargetFPS < c.MinFPS {
		return fmt.Errorf("config: invalid fps bounds min=%v target=%v", c.MinFPS, c.TargetFPS)
	}
	if c.MinSegmentDuration > c.TargetSegmentDuration || c.TargetSegmentDuration > c.MaxSegmentDuration {
		return fmt.Errorf("config: invalid segment duration bounds")
	}
	return nil
}

func stringVar(fs *flag.FlagSet, p *string, name, env, def, usage string) {
	if v, ok := os.LookupEnv(env); ok {
		def = v
	}
	fs.StringVar(p, name, def, usage)
}

func float64Var(fs *flag.FlagSet, p *float64, name, env string, def float64) {
	if v, ok := os.LookupEnv(env); ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			def = parsed
		}
	}
	fs.Float64Var(p, name, def, name)
}

func intVar(fs *flag.FlagSet, p *int, name, env string, def int) {
	if v, ok := os.LookupEnv(env); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			def = parsed
		}
	}
	fs.IntVar(p, name, def, name)
}

func int64Var(fs *flag.FlagSet, p *int64, name, env string, def int64) {
	if v, ok := os.LookupEnv(env); ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			def = parsed
		}
	}
	fs.Int64Var(p, name, def, name)
}

func durationVar(fs *flag.FlagSet, p *time.Duration, name, env string, def time.Duration) {
	if v, ok := os.LookupEnv(env); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			def = parsed
		}
	}
	fs.DurationVar(p, name, def, name)
}
