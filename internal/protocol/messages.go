// Package protocol translates between the JSON envelopes exchanged with the
// remote agent and transcription services and the engine's internal events.
//
// Outbound messages are built by pure functions returning typed structs that
// marshal to the wire format. Inbound envelopes are dispatched by [Handler].
package protocol

// Envelope type discriminators.
const (
	// Agent channel, inbound.
	TypeWelcome              = "Welcome"
	TypeSettingsApplied      = "SettingsApplied"
	TypePromptUpdated        = "PromptUpdated"
	TypeConversationText     = "ConversationText"
	TypeUserStartedSpeaking  = "UserStartedSpeaking"
	TypeAgentThinking        = "AgentThinking"
	TypeAgentStartedSpeaking = "AgentStartedSpeaking"
	TypeAgentAudioDone       = "AgentAudioDone"
	TypeFunctionCallRequest  = "FunctionCallRequest"
	TypeInjectionRefused     = "InjectionRefused"
	TypeError                = "Error"
	TypeWarning              = "Warning"

	// Agent channel, outbound.
	TypeSettings             = "Settings"
	TypeUpdatePrompt         = "UpdatePrompt"
	TypeInjectAgentMessage   = "InjectAgentMessage"
	TypeFunctionCallResponse = "FunctionCallResponse"
	TypeKeepAlive            = "KeepAlive"

	// Transcription channel.
	TypeResults       = "Results"
	TypeTranscript    = "Transcript"
	TypeVADEvent      = "VADEvent"
	TypeSpeechStarted = "SpeechStarted"
	TypeUtteranceEnd  = "UtteranceEnd"
	TypeMetadata      = "Metadata"
	TypeCloseStream   = "CloseStream"
)

// DefaultEncoding is the PCM encoding name announced in [Settings].
const DefaultEncoding = "linear16"

// ── Outbound ──

// Provider is an opaque provider block, e.g. {"type": "deepgram", "model": "nova-3"}.
type Provider map[string]any

// AudioFormat describes one direction of the audio stream.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// AudioSettings is the audio block of [Settings].
type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

// Function declares a client-side function the agent may call.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Listen is the speech recognition block of [AgentSettings].
type Listen struct {
	Provider Provider `json:"provider"`
}

// Think is the reasoning block of [AgentSettings].
type Think struct {
	Provider  Provider   `json:"provider"`
	Prompt    string     `json:"prompt,omitempty"`
	Functions []Function `json:"functions,omitempty"`
}

// Speak is the speech synthesis block of [AgentSettings].
type Speak struct {
	Provider Provider `json:"provider"`
}

// AgentSettings is the agent block of [Settings].
type AgentSettings struct {
	Language string `json:"language,omitempty"`
	Listen   Listen `json:"listen"`
	Think    Think  `json:"think"`
	Speak    Speak  `json:"speak"`
	Greeting string `json:"greeting,omitempty"`
}

// Settings configures the agent session. It is sent once per connection in
// response to Welcome.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

// UpdatePrompt replaces the agent's instructions mid-session.
type UpdatePrompt struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// InjectAgentMessage makes the agent speak content.
type InjectAgentMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// FunctionCallResponse returns a client-side function result.
type FunctionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Control is a message consisting only of its type (KeepAlive, CloseStream).
type Control struct {
	Type string `json:"type"`
}

// AgentConfig is the input to [BuildSettings].
type AgentConfig struct {
	Language         string
	ListenProvider   Provider
	ThinkProvider    Provider
	Prompt           string
	Functions        []Function
	SpeakProvider    Provider
	Greeting         string
	Encoding         string
	InputSampleRate  int
	OutputSampleRate int
}

// BuildSettings returns the Settings message for cfg. An empty encoding
// selects [DefaultEncoding].
func BuildSettings(cfg AgentConfig) Settings {
	enc := cfg.Encoding
	if enc == "" {
		enc = DefaultEncoding
	}
	return Settings{
		Type: TypeSettings,
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: enc, SampleRate: cfg.InputSampleRate},
			Output: AudioFormat{Encoding: enc, SampleRate: cfg.OutputSampleRate},
		},
		Agent: AgentSettings{
			Language: cfg.Language,
			Listen:   Listen{Provider: cfg.ListenProvider},
			Think:    Think{Provider: cfg.ThinkProvider, Prompt: cfg.Prompt, Functions: cfg.Functions},
			Speak:    Speak{Provider: cfg.SpeakProvider},
			Greeting: cfg.Greeting,
		},
	}
}

// BuildPromptUpdate returns an UpdatePrompt message.
func BuildPromptUpdate(text string) UpdatePrompt {
	return UpdatePrompt{Type: TypeUpdatePrompt, Prompt: text}
}

// BuildInjectMessage returns an InjectAgentMessage message.
func BuildInjectMessage(text string) InjectAgentMessage {
	return InjectAgentMessage{Type: TypeInjectAgentMessage, Content: text}
}

// BuildFunctionCallResponse returns the reply to one function call.
func BuildFunctionCallResponse(id, name, content string) FunctionCallResponse {
	return FunctionCallResponse{Type: TypeFunctionCallResponse, ID: id, Name: name, Content: content}
}

// BuildKeepAlive returns a KeepAlive message.
func BuildKeepAlive() Control { return Control{Type: TypeKeepAlive} }

// BuildCloseStream returns a CloseStream message.
func BuildCloseStream() Control { return Control{Type: TypeCloseStream} }

// ── Inbound ──

type conversationText struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type remoteProblem struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

type functionCallRequest struct {
	Functions []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Arguments  string `json:"arguments"`
		ClientSide *bool  `json:"client_side"`
	} `json:"functions"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// results decodes both transcript shapes: alternatives nested under
// "channel" and alternatives at the top level.
type results struct {
	IsFinal      bool          `json:"is_final"`
	SpeechFinal  bool          `json:"speech_final"`
	Alternatives []alternative `json:"alternatives"`
	Channel      struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

func (r results) alternatives() []alternative {
	if len(r.Channel.Alternatives) > 0 {
		return r.Channel.Alternatives
	}
	return r.Alternatives
}

type vadEvent struct {
	IsSpeech bool `json:"is_speech"`
}
