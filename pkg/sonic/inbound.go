package sonic

import (
	"encoding/json"
	"fmt"
)

// FrameKind classifies an inbound frame by the single key present in its
// "event" object. The set is closed; anything the classifier does not
// recognize lands in KindOther (named foreign event) or KindUnknown (no
// event object at all).
type FrameKind int

const (
	KindContentStart FrameKind = iota
	KindTextOutput
	KindAudioOutput
	KindToolUse
	KindContentEndTool
	KindContentEnd
	KindOther
	KindUnknown
)

func (k FrameKind) String() string {
	switch k {
	case KindContentStart:
		return "contentStart"
	case KindTextOutput:
		return "textOutput"
	case KindAudioOutput:
		return "audioOutput"
	case KindToolUse:
		return "toolUse"
	case KindContentEndTool:
		return "contentEnd(TOOL)"
	case KindContentEnd:
		return "contentEnd"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// ToolUsePayload is the model's request to invoke a tool. Content is itself
// a JSON document, delivered as character data.
type ToolUsePayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
	ToolName    string `json:"toolName"`
	ToolUseID   string `json:"toolUseId"`
}

// ContentEndPayload closes an output content block. Type "TOOL" marks the
// end of a tool-use request rather than ordinary content.
type ContentEndPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Type        string `json:"type"`
	StopReason  string `json:"stopReason"`
}

// InboundFrame is one classified frame from the response stream.
type InboundFrame struct {
	Kind FrameKind

	// EventName is the discriminant key, or "unknown" when absent.
	EventName string

	// Payload is the raw body under the discriminant key; for KindUnknown it
	// is the whole frame.
	Payload json.RawMessage

	// ToolUse is set for KindToolUse, ContentEnd for both contentEnd kinds.
	ToolUse    *ToolUsePayload
	ContentEnd *ContentEndPayload
}

const contentEndToolType = "TOOL"

// ClassifyFrame decodes one response frame and classifies it. The decode
// error is returned for frames that are not JSON objects; classification
// itself cannot fail.
func ClassifyFrame(data []byte) (InboundFrame, error) {
	var frame struct {
		Event map[string]json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return InboundFrame{}, fmt.Errorf("decode response frame: %w", err)
	}

	pick := func(name string) (json.RawMessage, bool) {
		raw, ok := frame.Event[name]
		return raw, ok
	}

	if raw, ok := pick("contentStart"); ok {
		return InboundFrame{Kind: KindContentStart, EventName: "contentStart", Payload: raw}, nil
	}
	if raw, ok := pick("textOutput"); ok {
		return InboundFrame{Kind: KindTextOutput, EventName: "textOutput", Payload: raw}, nil
	}
	if raw, ok := pick("audioOutput"); ok {
		return InboundFrame{Kind: KindAudioOutput, EventName: "audioOutput", Payload: raw}, nil
	}
	if raw, ok := pick("toolUse"); ok {
		var use ToolUsePayload
		if err := json.Unmarshal(raw, &use); err != nil {
			return InboundFrame{}, fmt.Errorf("decode toolUse: %w", err)
		}
		return InboundFrame{Kind: KindToolUse, EventName: "toolUse", Payload: raw, ToolUse: &use}, nil
	}
	if raw, ok := pick("contentEnd"); ok {
		var end ContentEndPayload
		if err := json.Unmarshal(raw, &end); err != nil {
			return InboundFrame{}, fmt.Errorf("decode contentEnd: %w", err)
		}
		kind := KindContentEnd
		if end.Type == contentEndToolType {
			kind = KindContentEndTool
		}
		return InboundFrame{Kind: kind, EventName: "contentEnd", Payload: raw, ContentEnd: &end}, nil
	}

	// A foreign event keeps its own name so wildcard consumers still see it.
	for name, raw := range frame.Event {
		return InboundFrame{Kind: KindOther, EventName: name, Payload: raw}, nil
	}
	return InboundFrame{Kind: KindUnknown, EventName: "unknown", Payload: append(json.RawMessage(nil), data...)}, nil
}
