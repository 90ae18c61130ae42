package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Capture struct {
	Video        bool `mapstructure:"video"`
	Audio        bool `mapstructure:"audio"`
	Width        int  `mapstructure:"width"`
	Height       int  `mapstructure:"height"`
	FrameRate    int  `mapstructure:"frame_rate"`
	VideoBitRate int  `mapstructure:"video_bitrate"`
	AudioBitRate int  `mapstructure:"audio_bitrate"`
}

type Config struct {
	Mode         string        `mapstructure:"mode"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFile      string        `mapstructure:"log_file"`
	UI           string        `mapstructure:"ui"`
	ServerURL    string        `mapstructure:"server_url"`
	Room         string        `mapstructure:"room"`
	Name         string        `mapstructure:"name"`
	ICEServers   []string      `mapstructure:"ice_servers"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	LeaveTimeout time.Duration `mapstructure:"leave_timeout"`
	ControlAddr  string        `mapstructure:"control_addr"`
	Origins      []string      `mapstructure:"origins"`
	RateLimit    int           `mapstructure:"rate_limit"`
	Secret       string        `mapstructure:"secret"`
	RecordDir    string        `mapstructure:"record_dir"`
	Capture      Capture       `mapstructure:"capture"`
}

const (
	UITerminal = "tui"
	UIHeadless = "headless"
)

var ErrInvalid = errors.New("invalid config")

// Load reads config/config.<CONFIG_ENV>.yaml, then CONFERENCE_* env vars,
// then command line flags from args.
func Load(args []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "conference.log")
	v.SetDefault("ui", UITerminal)
	v.SetDefault("server_url", "ws://localhost:3000/ws")
	v.SetDefault("room", "")
	v.SetDefault("name", "")
	v.SetDefault("origins", []string{})
	v.SetDefault("secret", "")
	v.SetDefault("record_dir", "")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("call_timeout", "10s")
	v.SetDefault("leave_timeout", "2s")
	v.SetDefault("control_addr", "127.0.0.1:8090")
	v.SetDefault("rate_limit", 20)
	v.SetDefault("capture.video", true)
	v.SetDefault("capture.audio", true)
	v.SetDefault("capture.width", 640)
	v.SetDefault("capture.height", 480)
	v.SetDefault("capture.frame_rate", 30)
	v.SetDefault("capture.video_bitrate", 1_000_000)
	v.SetDefault("capture.audio_bitrate", 64_000)

	v.SetEnvPrefix("CONFERENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fs := pflag.NewFlagSet("conference", pflag.ContinueOnError)
	fs.String("server-url", "", "signaling websocket url")
	fs.StringP("room", "r", "", "room to join")
	fs.StringP("name", "n", "", "display name")
	fs.String("ui", "", "tui or headless")
	fs.String("control-addr", "", "local control API address, empty disables it")
	fs.String("record-dir", "", "directory to record remote tracks into")
	fs.String("log-level", "", "debug, info, warn, error")
	fs.Bool("no-capture", false, "join without camera and microphone")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	for _, key := range []string{"server_url", "room", "name", "ui", "control_addr", "record_dir", "log_level"} {
		if f := fs.Lookup(strings.ReplaceAll(key, "_", "-")); f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	if off, _ := fs.GetBool("no-capture"); off {
		v.Set("capture.video", false)
		v.Set("capture.audio", false)
	}

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Fprintf(os.Stderr, "✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "🧩 Mode: %s | Server: %s | Room: %s | UI: %s\n", cfg.Mode, cfg.ServerURL, cfg.Room, cfg.UI)
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.ServerURL == "":
		return fmt.Errorf("%w: server_url is required", ErrInvalid)
	case c.UI != UITerminal && c.UI != UIHeadless:
		return fmt.Errorf("%w: ui must be %q or %q", ErrInvalid, UITerminal, UIHeadless)
	case c.CallTimeout <= 0:
		return fmt.Errorf("%w: call_timeout must be positive", ErrInvalid)
	}
	return nil
}
