package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/comigor/voicecare/internal/audio"
	"github.com/comigor/voicecare/internal/emergency"
	"github.com/comigor/voicecare/internal/retry"
)

// Config holds the application configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Endpoint  EndpointConfig  `mapstructure:"endpoint"`
	Transport TransportConfig `mapstructure:"transport"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Session   SessionConfig   `mapstructure:"session"`
	Playback  PlaybackConfig  `mapstructure:"playback"`
	Emergency EmergencyConfig `mapstructure:"emergency"`
	History   HistoryConfig   `mapstructure:"history"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EndpointConfig is the remote conversation endpoint the engine dials.
type EndpointConfig struct {
	URL              string        `mapstructure:"url"`
	Token            string        `mapstructure:"token"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// TransportConfig holds the channel tuning knobs
type TransportConfig struct {
	QueueSize         int           `mapstructure:"queue_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout"`
	Reconnect         BackoffConfig `mapstructure:"reconnect"`
}

// BackoffConfig mirrors retry.Backoff.
type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Jitter       bool          `mapstructure:"jitter"`
}

// AudioConfig holds the capture format and voice activity detection settings
type AudioConfig struct {
	SampleRate    int           `mapstructure:"sample_rate"`
	Channels      int           `mapstructure:"channels"`
	BitsPerSample int           `mapstructure:"bits_per_sample"`
	ChunkDuration time.Duration `mapstructure:"chunk_duration"`
	Threshold     float64       `mapstructure:"threshold"`
	StartChunks   int           `mapstructure:"start_chunks"`
	EndChunks     int           `mapstructure:"end_chunks"`
	MaxUtterance  time.Duration `mapstructure:"max_utterance"`
}

// SessionConfig holds the engine timeouts
type SessionConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	ReorderWindow   int           `mapstructure:"reorder_window"`
	MailboxSize     int           `mapstructure:"mailbox_size"`
	Client          string        `mapstructure:"client"`
}

// PlaybackConfig holds the playback configuration
type PlaybackConfig struct {
	Voice bool `mapstructure:"voice"`
}

// EmergencyConfig holds the keyword screen. An empty keyword list uses the
// built-in phrases.
type EmergencyConfig struct {
	Keywords  []string `mapstructure:"keywords"`
	Screening string   `mapstructure:"screening"`
}

// HistoryConfig holds the transcript archive configuration
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider           string `mapstructure:"provider"`
	BaseURL            string `mapstructure:"base_url"`
	APIKey             string `mapstructure:"api_key"`
	Model              string `mapstructure:"model"`
	SystemPrompt       string `mapstructure:"system_prompt"`
	TranscriptionModel string `mapstructure:"transcription_model"`
	SpeechModel        string `mapstructure:"speech_model"`
	Voice              string `mapstructure:"voice"`
}

// ServerConfig holds the relay server configuration
type ServerConfig struct {
	Host   string   `mapstructure:"host"`
	Port   string   `mapstructure:"port"`
	Tokens []string `mapstructure:"tokens"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("endpoint.url", "ws://localhost:8080/v1/conversation")
	v.SetDefault("endpoint.token", "")
	v.SetDefault("endpoint.handshake_timeout", 10*time.Second)

	b := retry.DefaultBackoff()
	v.SetDefault("transport.queue_size", 256)
	v.SetDefault("transport.heartbeat_interval", 15*time.Second)
	v.SetDefault("transport.pong_timeout", 5*time.Second)
	v.SetDefault("transport.write_timeout", 5*time.Second)
	v.SetDefault("transport.close_timeout", 3*time.Second)
	v.SetDefault("transport.reconnect.initial_delay", b.InitialDelay)
	v.SetDefault("transport.reconnect.max_delay", b.MaxDelay)
	v.SetDefault("transport.reconnect.multiplier", b.Multiplier)
	v.SetDefault("transport.reconnect.max_attempts", b.MaxAttempts)
	v.SetDefault("transport.reconnect.jitter", b.Jitter)

	f, d := audio.DefaultFormat(), audio.DefaultDetectorConfig()
	v.SetDefault("audio.sample_rate", f.SampleRate)
	v.SetDefault("audio.channels", f.Channels)
	v.SetDefault("audio.bits_per_sample", f.BitsPerSample)
	v.SetDefault("audio.chunk_duration", 100*time.Millisecond)
	v.SetDefault("audio.threshold", d.Threshold)
	v.SetDefault("audio.start_chunks", d.StartChunks)
	v.SetDefault("audio.end_chunks", d.EndChunks)
	v.SetDefault("audio.max_utterance", d.MaxUtterance)

	v.SetDefault("session.connect_timeout", 15*time.Second)
	v.SetDefault("session.response_timeout", 30*time.Second)
	v.SetDefault("session.reorder_window", 3)
	v.SetDefault("session.mailbox_size", 256)
	v.SetDefault("session.client", "voicecare")

	v.SetDefault("playback.voice", false)

	v.SetDefault("emergency.keywords", []string{})
	v.SetDefault("emergency.screening", string(emergency.ScreenAlways))

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "voicecare.db")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.transcription_model", "whisper-1")
	v.SetDefault("llm.speech_model", "tts-1")
	v.SetDefault("llm.voice", "alloy")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.tokens", []string{})
}

// Load reads the file named by CONFIG_PATH, or ./config.yaml when unset.
// A missing ./config.yaml is not an error: defaults and VOICECARE_*
// environment variables still apply.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_PATH"))
}

// LoadFile loads configuration from path. An empty path searches the
// working directory for config.yaml.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VOICECARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.Endpoint.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("endpoint.url must be a ws:// or wss:// URL, got %q", c.Endpoint.URL))
	}
	if c.Transport.QueueSize <= 0 {
		errs = append(errs, errors.New("transport.queue_size must be positive"))
	}
	if c.Transport.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("transport.reconnect.max_attempts must not be negative"))
	}
	if c.Transport.Reconnect.Multiplier != 0 && c.Transport.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("transport.reconnect.multiplier must be at least 1"))
	}
	if c.Audio.ChunkDuration <= 0 {
		errs = append(errs, errors.New("audio.chunk_duration must be positive"))
	}
	if c.Audio.Threshold <= 0 || c.Audio.Threshold > 1 {
		errs = append(errs, fmt.Errorf("audio.threshold must be in (0, 1], got %v", c.Audio.Threshold))
	}
	if c.Audio.StartChunks <= 0 || c.Audio.EndChunks <= c.Audio.StartChunks {
		errs = append(errs, fmt.Errorf("audio.end_chunks (%d) must exceed audio.start_chunks (%d) > 0",
			c.Audio.EndChunks, c.Audio.StartChunks))
	}
	if c.Session.ReorderWindow < 0 {
		errs = append(errs, errors.New("session.reorder_window must not be negative"))
	}
	switch emergency.Screening(c.Emergency.Screening) {
	case emergency.ScreenAlways, emergency.ScreenDegraded, emergency.ScreenNever:
	default:
		errs = append(errs, fmt.Errorf("emergency.screening must be always, degraded or never, got %q", c.Emergency.Screening))
	}
	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, errors.New("history.path is required when history is enabled"))
	}
	return errors.Join(errs...)
}

// Format returns the capture format.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels, BitsPerSample: a.BitsPerSample}
}

// Detector returns the voice activity detector settings.
func (a AudioConfig) Detector() audio.DetectorConfig {
	return audio.DetectorConfig{
		Threshold:    a.Threshold,
		StartChunks:  a.StartChunks,
		EndChunks:    a.EndChunks,
		MaxUtterance: a.MaxUtterance,
	}
}

func (b BackoffConfig) Backoff() retry.Backoff {
	return retry.Backoff{
		InitialDelay: b.InitialDelay,
		MaxDelay:     b.MaxDelay,
		Multiplier:   b.Multiplier,
		MaxAttempts:  b.MaxAttempts,
		Jitter:       b.Jitter,
	}
}

// Monitor returns the emergency monitor settings.
func (e EmergencyConfig) Monitor() emergency.Config {
	return emergency.Config{Keywords: e.Keywords, Screening: emergency.Screening(e.Screening)}
}

// Addr is the relay listen address.
func (s ServerConfig) Addr() string { return s.Host + ":" + s.Port }
