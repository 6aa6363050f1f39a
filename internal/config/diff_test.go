package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func baseConfig() *config.Config {
	agent := &config.AgentConfig{
		EndpointConfig: config.EndpointConfig{URL: "wss://agent", Token: "t"},
		Language:       "en",
	}
	agent.Think.Prompt = "be helpful"
	agent.Think.Provider = config.ProviderBlock{"type": "open_ai"}
	return &config.Config{
		Server:        config.ServerConfig{LogLevel: config.LogInfo},
		Transcription: &config.EndpointConfig{URL: "wss://stt", Params: map[string]string{"model": "nova-3"}},
		Agent:         agent,
		Audio:         config.AudioConfig{InputSampleRate: 16000},
		Session:       config.SessionConfig{SleepDelay: 500 * time.Millisecond},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.PromptChanged || d.RestartRequired() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.RestartRequired() {
		t.Errorf("log level change should not need a restart: %v", d.RestartFields)
	}
}

func TestDiff_PromptChangedIsLive(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Agent.Think.Prompt = "be terse"

	d := config.Diff(old, new)
	if !d.PromptChanged || d.NewPrompt != "be terse" {
		t.Errorf("diff = %+v", d)
	}
	if d.RestartRequired() {
		t.Errorf("prompt change should not need a restart: %v", d.RestartFields)
	}
}

func TestDiff_RestartFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{"transcription params", func(c *config.Config) { c.Transcription.Params["model"] = "nova-2" }, []string{"transcription"}},
		{"transcription removed", func(c *config.Config) { c.Transcription = nil }, []string{"transcription"}},
		{"agent token", func(c *config.Config) { c.Agent.Token = "other" }, []string{"agent"}},
		{"agent provider", func(c *config.Config) { c.Agent.Think.Provider = config.ProviderBlock{"type": "anthropic"} }, []string{"agent"}},
		{"audio", func(c *config.Config) { c.Audio.InputSampleRate = 48000 }, []string{"audio"}},
		{"session", func(c *config.Config) { c.Session.SleepDelay = time.Second }, []string{"session"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !slices.Equal(d.RestartFields, tc.want) {
				t.Errorf("RestartFields = %v, want %v", d.RestartFields, tc.want)
			}
		})
	}
}
