package server

import "testing"

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"systemPrompt","content":"be brief"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != MsgSystemPrompt || msg.Content != "be brief" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestDecodeClientMessageTrimsType(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":" audioStart "}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != MsgAudioStart {
		t.Fatalf("type = %q", msg.Type)
	}
}

func TestDecodeClientMessageErrors(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
	if _, err := DecodeClientMessage([]byte(`{"content":"x"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}
