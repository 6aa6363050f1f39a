package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Prompt and log level changes can be applied to a running session; every
// other tracked change requires a session restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PromptChanged bool
	NewPrompt     string

	// RestartFields lists the top-level sections whose changes only take
	// effect for the next session.
	RestartFields []string
}

// RestartRequired reports whether any change needs a new session.
func (d ConfigDiff) RestartRequired() bool { return len(d.RestartFields) > 0 }

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Agent prompt
	if prompt(old) != prompt(new) {
		d.PromptChanged = true
		d.NewPrompt = prompt(new)
	}

	if !endpointEqual(old.Transcription, new.Transcription) {
		d.RestartFields = append(d.RestartFields, "transcription")
	}
	if !agentEqual(old.Agent, new.Agent) {
		d.RestartFields = append(d.RestartFields, "agent")
	}
	if old.Audio != new.Audio {
		d.RestartFields = append(d.RestartFields, "audio")
	}
	if !sessionEqual(old.Session, new.Session) {
		d.RestartFields = append(d.RestartFields, "session")
	}

	return d
}

func prompt(c *Config) string {
	if c.Agent == nil {
		return ""
	}
	return c.Agent.Think.Prompt
}

func endpointEqual(a, b *EndpointConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.URL == b.URL &&
		a.Token == b.Token &&
		maps.Equal(a.Params, b.Params) &&
		a.ConnectTimeout == b.ConnectTimeout &&
		a.KeepAlive == b.KeepAlive &&
		a.MaxReconnects == b.MaxReconnects &&
		a.Backoff == b.Backoff &&
		a.MaxBackoff == b.MaxBackoff
}

// agentEqual ignores the prompt, which is applied live.
func agentEqual(a, b *AgentConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !endpointEqual(&a.EndpointConfig, &b.EndpointConfig) {
		return false
	}
	ac, bc := *a, *b
	ac.Think.Prompt, bc.Think.Prompt = "", ""
	ac.EndpointConfig, bc.EndpointConfig = EndpointConfig{}, EndpointConfig{}
	return reflect.DeepEqual(ac, bc)
}

func sessionEqual(a, b SessionConfig) bool {
	return a.SleepDelay == b.SleepDelay &&
		a.StopGrace == b.StopGrace &&
		a.RecordDir == b.RecordDir &&
		slices.Equal(a.WakePhrases, b.WakePhrases) &&
		slices.Equal(a.SleepPhrases, b.SleepPhrases)
}
