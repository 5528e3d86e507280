package server

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client message types. Audio travels base64-encoded inside audioInput
// messages; everything else is control signaling.
const (
	MsgPromptStart  = "promptStart"
	MsgSystemPrompt = "systemPrompt"
	MsgVoiceConfig  = "voiceConfig"
	MsgAudioStart   = "audioStart"
	MsgAudioInput   = "audioInput"
	MsgStopAudio    = "stopAudio"
	MsgClose        = "close"
)

// ClientMessage is one signaling frame from the caller transport.
type ClientMessage struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Content string `json:"content,omitempty"`
	VoiceID string `json:"voiceId,omitempty"`
}

// ServerEvent wraps one engine notification for the caller.
type ServerEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DecodeClientMessage parses and validates one inbound text frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("client message has no type")
	}
	return msg, nil
}
