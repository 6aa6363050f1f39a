// Package config provides the configuration schema, loader, and file watcher
// for the Parley voice interaction engine.
package config

import "time"

// LogLevel controls log verbosity for the Parley process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend selects the audio device implementation.
type Backend string

const (
	// BackendPortAudio uses the system microphone and speakers.
	BackendPortAudio Backend = "portaudio"

	// BackendHeadless renders output into a software timeline with no
	// hardware and captures silence. Useful on servers and in CI.
	BackendHeadless Backend = "headless"
)

// IsValid reports whether b is a recognised audio backend.
func (b Backend) IsValid() bool {
	return b == BackendPortAudio || b == BackendHeadless
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Transcription *EndpointConfig `yaml:"transcription"`
	Agent         *AgentConfig    `yaml:"agent"`
	Audio         AudioConfig     `yaml:"audio"`
	Session       SessionConfig   `yaml:"session"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for health and metrics (e.g., ":9090").
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// EndpointConfig describes one remote WebSocket service. Token and URL may
// reference environment variables as ${NAME}.
type EndpointConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string `yaml:"url"`

	// Token is sent as "Authorization: Token <token>".
	Token string `yaml:"token"`

	// Params are appended to the URL query (model, language, feature flags).
	Params map[string]string `yaml:"params"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// KeepAlive is the keepalive interval. Negative disables keepalives.
	KeepAlive time.Duration `yaml:"keepalive"`

	// MaxReconnects bounds automatic redials. Negative disables them.
	MaxReconnects int `yaml:"max_reconnects"`

	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ProviderBlock is an opaque provider description forwarded verbatim in the
// agent Settings message (e.g., {type: deepgram, model: nova-3}).
type ProviderBlock map[string]any

// FunctionConfig declares a client-side function the agent may call.
type FunctionConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// AgentConfig is the agent endpoint plus the session settings sent on Welcome.
type AgentConfig struct {
	EndpointConfig `yaml:",inline"`

	// Language is the conversation language code (e.g., "en").
	Language string `yaml:"language"`

	Listen struct {
		Provider ProviderBlock `yaml:"provider"`
	} `yaml:"listen"`

	Think struct {
		Provider  ProviderBlock    `yaml:"provider"`
		Prompt    string           `yaml:"prompt"`
		Functions []FunctionConfig `yaml:"functions"`
	} `yaml:"think"`

	Speak struct {
		Provider ProviderBlock `yaml:"provider"`
	} `yaml:"speak"`

	// Greeting is spoken by the agent when the session starts.
	Greeting string `yaml:"greeting"`
}

// AudioConfig selects the device backend and stream formats.
type AudioConfig struct {
	// Backend defaults to portaudio.
	Backend Backend `yaml:"backend"`

	// InputSampleRate is the capture rate in Hz. Default: 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is both the device rate and the rate requested for
	// agent speech. Default: 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// BufferSize is the capture accumulator in samples. Default: 4096.
	BufferSize int `yaml:"buffer_size"`

	// FramesPerBuffer is the device callback size. Default: 512.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// InputFile is a WAV file played as the microphone by the headless
	// backend. Empty captures silence.
	InputFile string `yaml:"input_file"`

	// LoopInput restarts InputFile when it ends.
	LoopInput bool `yaml:"loop_input"`
}

// SessionConfig controls the conversation lifecycle.
type SessionConfig struct {
	// SleepDelay is the entering_sleep debounce. Default: 500ms.
	SleepDelay time.Duration `yaml:"sleep_delay"`

	// StopGrace is the wait for trailing transcripts on stop. Default: 1.5s.
	StopGrace time.Duration `yaml:"stop_grace"`

	// RecordDir enables WAV recording of every session into this directory.
	RecordDir string `yaml:"record_dir"`

	// AutoStart starts a session at launch. Default: true.
	AutoStart *bool `yaml:"auto_start"`

	// WakePhrases wake a sleeping session when heard in a final transcript.
	WakePhrases []string `yaml:"wake_phrases"`

	// SleepPhrases put an awake session to sleep.
	SleepPhrases []string `yaml:"sleep_phrases"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	// ServiceName overrides the OpenTelemetry service name. Default: "parley".
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of root spans sampled, in [0, 1].
	// Zero samples everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ShouldAutoStart reports whether a session should start at launch.
func (s SessionConfig) ShouldAutoStart() bool {
	return s.AutoStart == nil || *s.AutoStart
}
