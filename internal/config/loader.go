package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/errs"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references in
// endpoint URLs and tokens, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandEnv(cfg *Config) {
	for _, ep := range []*EndpointConfig{cfg.Transcription, cfg.agentEndpoint()} {
		if ep == nil {
			continue
		}
		ep.URL = os.ExpandEnv(ep.URL)
		ep.Token = os.ExpandEnv(ep.Token)
	}
}

func (c *Config) agentEndpoint() *EndpointConfig {
	if c.Agent == nil {
		return nil
	}
	return &c.Agent.EndpointConfig
}

// Validate checks that cfg contains a coherent set of values.
// It returns the joined *errs.ConfigurationError values for all problems
// found.
func Validate(cfg *Config) error {
	var errList []error
	bad := func(field, format string, args ...any) {
		errList = append(errList, &errs.ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)})
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		bad("server.log_level", "%q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}

	// Endpoints
	if cfg.Transcription == nil && cfg.Agent == nil {
		bad("transcription", "at least one of transcription or agent must be configured")
	}
	validateEndpoint("transcription", cfg.Transcription, bad)
	if cfg.Agent != nil {
		validateEndpoint("agent", &cfg.Agent.EndpointConfig, bad)
		if cfg.Agent.Think.Prompt == "" {
			slog.Warn("agent.think.prompt is empty; the agent will use its provider default")
		}
		for i, fn := range cfg.Agent.Think.Functions {
			if fn.Name == "" {
				bad(fmt.Sprintf("agent.think.functions[%d].name", i), "is required")
			}
		}
	}

	// Audio
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		bad("audio.backend", "%q is invalid; valid values: portaudio, headless", cfg.Audio.Backend)
	}
	if cfg.Audio.InputFile != "" && cfg.Audio.Backend != BackendHeadless {
		bad("audio.input_file", "requires backend headless")
	}
	if cfg.Audio.InputSampleRate < 0 {
		bad("audio.input_sample_rate", "must not be negative")
	}
	if cfg.Audio.OutputSampleRate < 0 {
		bad("audio.output_sample_rate", "must not be negative")
	}
	if cfg.Audio.BufferSize < 0 {
		bad("audio.buffer_size", "must not be negative")
	}
	if cfg.Audio.FramesPerBuffer < 0 {
		bad("audio.frames_per_buffer", "must not be negative")
	}

	// Session
	if cfg.Session.SleepDelay < 0 {
		bad("session.sleep_delay", "must not be negative")
	}
	if len(cfg.Session.WakePhrases)+len(cfg.Session.SleepPhrases) > 0 && cfg.Transcription == nil {
		bad("session.wake_phrases", "voice commands require a transcription endpoint")
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		bad("telemetry.trace_sample_ratio", "%.2f is out of range [0, 1]", r)
	}

	return errors.Join(errList...)
}

func validateEndpoint(prefix string, ep *EndpointConfig, bad func(field, format string, args ...any)) {
	if ep == nil {
		return
	}
	if ep.URL == "" {
		bad(prefix+".url", "is required")
	} else if u, err := url.Parse(ep.URL); err != nil {
		bad(prefix+".url", "%v", err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		bad(prefix+".url", "scheme %q is not ws or wss", u.Scheme)
	}
	if ep.Token == "" {
		slog.Warn("endpoint has no token; the service may reject the connection", "endpoint", prefix)
	}
	if ep.MaxBackoff > 0 && ep.Backoff > ep.MaxBackoff {
		bad(prefix+".backoff", "%s exceeds max_backoff %s", ep.Backoff, ep.MaxBackoff)
	}
}
