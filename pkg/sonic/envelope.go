package sonic

import (
	"encoding/base64"
	"encoding/json"
)

// Envelope is one discrete outbound message. The wire format nests every
// payload under a single-key "event" object; exactly one pointer in Event is
// non-nil per envelope.
type Envelope struct {
	Event Event `json:"event"`
}

type Event struct {
	SessionStart *SessionStartEvent `json:"sessionStart,omitempty"`
	PromptStart  *PromptStartEvent  `json:"promptStart,omitempty"`
	ContentStart *ContentStartEvent `json:"contentStart,omitempty"`
	TextInput    *TextInputEvent    `json:"textInput,omitempty"`
	AudioInput   *AudioInputEvent   `json:"audioInput,omitempty"`
	ToolResult   *ToolResultEvent   `json:"toolResult,omitempty"`
	ContentEnd   *ContentEndEvent   `json:"contentEnd,omitempty"`
	PromptEnd    *PromptEndEvent    `json:"promptEnd,omitempty"`
	SessionEnd   *SessionEndEvent   `json:"sessionEnd,omitempty"`
}

type SessionStartEvent struct {
	InferenceConfiguration InferenceConfig `json:"inferenceConfiguration"`
}

type PromptStartEvent struct {
	PromptName               string            `json:"promptName"`
	TextOutputConfiguration  TextConfig        `json:"textOutputConfiguration"`
	AudioOutputConfiguration AudioOutputConfig `json:"audioOutputConfiguration"`
	ToolUseOutputConfig      TextConfig        `json:"toolUseOutputConfiguration"`
	ToolConfiguration        ToolConfiguration `json:"toolConfiguration"`
}

type ToolConfiguration struct {
	Tools []ToolSpec `json:"tools"`
}

// ToolSpec is one entry of the promptStart tool manifest.
type ToolSpec struct {
	Spec ToolSpecBody `json:"toolSpec"`
}

type ToolSpecBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema wraps a pre-serialized JSON schema string. The remote
// protocol expects the schema as character data, not a nested object.
type ToolInputSchema struct {
	JSON string `json:"json"`
}

type ContentStartEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Type        string `json:"type,omitempty"`
	Interactive bool   `json:"interactive"`
	Role        string `json:"role,omitempty"`

	TextInputConfiguration  *TextConfig            `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration *AudioInputConfig      `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfig   *ToolResultInputConfig `json:"toolResultInputConfiguration,omitempty"`
}

type ToolResultInputConfig struct {
	ToolUseID              string     `json:"toolUseId"`
	Type                   string     `json:"type"`
	TextInputConfiguration TextConfig `json:"textInputConfiguration"`
}

type TextInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type AudioInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type ToolResultEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type ContentEndEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type PromptEndEvent struct {
	PromptName string `json:"promptName"`
}

type SessionEndEvent struct{}

// SessionStart builds the first envelope of a session.
func SessionStart(inference InferenceConfig) Envelope {
	return Envelope{Event: Event{SessionStart: &SessionStartEvent{
		InferenceConfiguration: inference,
	}}}
}

// PromptStart opens the prompt and carries the full tool manifest.
func PromptStart(promptName string, audioOut AudioOutputConfig, tools []ToolSpec) Envelope {
	return Envelope{Event: Event{PromptStart: &PromptStartEvent{
		PromptName:               promptName,
		TextOutputConfiguration:  DefaultTextConfig(),
		AudioOutputConfiguration: audioOut,
		ToolUseOutputConfig:      TextConfig{MediaType: "application/json"},
		ToolConfiguration:        ToolConfiguration{Tools: tools},
	}}}
}

// SystemPrompt builds the three-envelope system prompt sequence
// (contentStart, textInput, contentEnd) for a fresh content id.
func SystemPrompt(promptName, contentName string, textCfg TextConfig, content string) []Envelope {
	return []Envelope{
		{Event: Event{ContentStart: &ContentStartEvent{
			PromptName:             promptName,
			ContentName:            contentName,
			Type:                   "TEXT",
			Interactive:            true,
			Role:                   "SYSTEM",
			TextInputConfiguration: &textCfg,
		}}},
		{Event: Event{TextInput: &TextInputEvent{
			PromptName:  promptName,
			ContentName: contentName,
			Content:     content,
		}}},
		{Event: Event{ContentEnd: &ContentEndEvent{
			PromptName:  promptName,
			ContentName: contentName,
		}}},
	}
}

// AudioContentStart opens the caller's audio content stream.
func AudioContentStart(promptName, audioContentID string, cfg AudioInputConfig) Envelope {
	return Envelope{Event: Event{ContentStart: &ContentStartEvent{
		PromptName:              promptName,
		ContentName:             audioContentID,
		Type:                    "AUDIO",
		Interactive:             true,
		Role:                    "USER",
		AudioInputConfiguration: &cfg,
	}}}
}

// AudioInput wraps one chunk of raw PCM as base64 content.
func AudioInput(promptName, audioContentID string, pcm []byte) Envelope {
	return Envelope{Event: Event{AudioInput: &AudioInputEvent{
		PromptName:  promptName,
		ContentName: audioContentID,
		Content:     base64.StdEncoding.EncodeToString(pcm),
	}}}
}

// ToolResult builds the three-envelope tool result sequence for a fresh
// content id: contentStart{type=TOOL}, toolResult, contentEnd.
func ToolResult(promptName, contentName, toolUseID, content string) []Envelope {
	return []Envelope{
		{Event: Event{ContentStart: &ContentStartEvent{
			PromptName:  promptName,
			ContentName: contentName,
			Interactive: false,
			Type:        "TOOL",
			Role:        "TOOL",
			ToolResultInputConfig: &ToolResultInputConfig{
				ToolUseID:              toolUseID,
				Type:                   "TEXT",
				TextInputConfiguration: DefaultTextConfig(),
			},
		}}},
		{Event: Event{ToolResult: &ToolResultEvent{
			PromptName:  promptName,
			ContentName: contentName,
			Content:     content,
		}}},
		{Event: Event{ContentEnd: &ContentEndEvent{
			PromptName:  promptName,
			ContentName: contentName,
		}}},
	}
}

// ContentEnd closes an open content block.
func ContentEnd(promptName, contentName string) Envelope {
	return Envelope{Event: Event{ContentEnd: &ContentEndEvent{
		PromptName:  promptName,
		ContentName: contentName,
	}}}
}

// PromptEnd closes the prompt.
func PromptEnd(promptName string) Envelope {
	return Envelope{Event: Event{PromptEnd: &PromptEndEvent{PromptName: promptName}}}
}

// SessionEnd is the final envelope of a session.
func SessionEnd() Envelope {
	return Envelope{Event: Event{SessionEnd: &SessionEndEvent{}}}
}

// SerializeToolResult flattens a tool invocation result to the single text
// block the wrapped provider expects. A non-empty slice is truncated to its
// serialized first element; character data passes through verbatim; anything
// else is serialized whole. Providers returning multi-part results must
// pre-collapse them.
func SerializeToolResult(result any) string {
	switch v := result.(type) {
	case []any:
		if len(v) > 0 {
			return marshalOrEmpty(v[0])
		}
		return marshalOrEmpty(v)
	case string:
		return v
	default:
		return marshalOrEmpty(result)
	}
}

func marshalOrEmpty(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
