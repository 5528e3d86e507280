package sonic

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestSerializeToolResult(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   string
	}{
		{
			// The wrapped provider expects a single text block; a multi-part
			// result is truncated to its first element.
			name:   "non-empty slice takes first element",
			result: []any{map[string]any{"text": "first"}, "second"},
			want:   `{"text":"first"}`,
		},
		{
			name:   "empty slice serialized whole",
			result: []any{},
			want:   `[]`,
		},
		{
			name:   "string passes through verbatim",
			result: `{"already":"json"}`,
			want:   `{"already":"json"}`,
		},
		{
			name:   "map serialized whole",
			result: map[string]any{"temp": 21.5},
			want:   `{"temp":21.5}`,
		},
		{
			name:   "nil serialized as null",
			result: nil,
			want:   `null`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SerializeToolResult(tc.result); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSessionStartWireShape(t *testing.T) {
	env := SessionStart(DefaultInferenceConfig())
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"event":{"sessionStart":{"inferenceConfiguration":{"maxTokens":1024,"topP":0.9,"temperature":1}}}}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}

func TestSystemPromptTriple(t *testing.T) {
	envs := SystemPrompt("p1", "c1", DefaultTextConfig(), "be helpful")
	if len(envs) != 3 {
		t.Fatalf("envelope count = %d, want 3", len(envs))
	}
	start := envs[0].Event.ContentStart
	if start == nil || start.Role != "SYSTEM" || start.Type != "TEXT" || !start.Interactive {
		t.Fatalf("bad contentStart: %+v", start)
	}
	text := envs[1].Event.TextInput
	if text == nil || text.Content != "be helpful" || text.ContentName != "c1" {
		t.Fatalf("bad textInput: %+v", text)
	}
	end := envs[2].Event.ContentEnd
	if end == nil || end.PromptName != "p1" || end.ContentName != "c1" {
		t.Fatalf("bad contentEnd: %+v", end)
	}
}

func TestAudioInputEncodesBase64(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0xFF}
	env := AudioInput("p1", "a1", pcm)
	got, err := base64.StdEncoding.DecodeString(env.Event.AudioInput.Content)
	if err != nil {
		t.Fatalf("content is not base64: %v", err)
	}
	if string(got) != string(pcm) {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestToolResultTriple(t *testing.T) {
	envs := ToolResult("p1", "c1", "tool-use-9", `{"ok":true}`)
	if len(envs) != 3 {
		t.Fatalf("envelope count = %d, want 3", len(envs))
	}
	start := envs[0].Event.ContentStart
	if start == nil || start.Type != "TOOL" || start.Role != "TOOL" || start.Interactive {
		t.Fatalf("bad contentStart: %+v", start)
	}
	if start.ToolResultInputConfig == nil || start.ToolResultInputConfig.ToolUseID != "tool-use-9" {
		t.Fatalf("bad toolResultInputConfiguration: %+v", start.ToolResultInputConfig)
	}
	if envs[1].Event.ToolResult == nil || envs[1].Event.ToolResult.Content != `{"ok":true}` {
		t.Fatalf("bad toolResult: %+v", envs[1].Event.ToolResult)
	}
	if envs[2].Event.ContentEnd == nil {
		t.Fatal("missing contentEnd")
	}
}

func TestPromptStartCarriesManifest(t *testing.T) {
	specs := []ToolSpec{{Spec: ToolSpecBody{
		Name:        "getWeatherTool",
		Description: "weather",
		InputSchema: ToolInputSchema{JSON: WeatherToolSchema},
	}}}
	env := PromptStart("p1", DefaultAudioOutputConfig(), specs)
	ps := env.Event.PromptStart
	if ps == nil {
		t.Fatal("missing promptStart")
	}
	if len(ps.ToolConfiguration.Tools) != 1 {
		t.Fatalf("manifest size = %d, want 1", len(ps.ToolConfiguration.Tools))
	}

	// Schemas travel as embedded JSON strings, not nested objects.
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"json":"{\"type\":\"object\"`) {
		t.Fatalf("schema not embedded as string: %s", data)
	}
}
