package sse

import (
	"testing"
)

func TestFramerSplitBoundaries(t *testing.T) {
	t.Parallel()

	var f Framer
	input := "event: message_start\ndata: {\"type\":\"message_start\"}\n\ndata: {\"a\":1}\n"

	var frames []Frame
	// Feed one byte at a time to exercise every split point.
	for i := 0; i < len(input); i++ {
		frames = append(frames, f.Push([]byte(input[i:i+1]))...)
	}

	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Event != "message_start" {
		t.Errorf("frames[0].Event = %q", frames[0].Event)
	}
	if frames[0].Data != `{"type":"message_start"}` {
		t.Errorf("frames[0].Data = %q", frames[0].Data)
	}
	if frames[1].Event != "" {
		t.Errorf("frames[1].Event = %q, want empty", frames[1].Event)
	}
	if frames[1].Data != `{"a":1}` {
		t.Errorf("frames[1].Data = %q", frames[1].Data)
	}
}

func TestFramerPartialLineHeld(t *testing.T) {
	t.Parallel()

	var f Framer
	if got := f.Push([]byte("data: {\"par")); len(got) != 0 {
		t.Fatalf("partial line yielded %d frames", len(got))
	}
	got := f.Push([]byte("tial\":true}\n"))
	if len(got) != 1 || got[0].Data != `{"partial":true}` {
		t.Fatalf("got %+v, want one joined frame", got)
	}
}

func TestFramerSkipsCommentsAndCRLF(t *testing.T) {
	t.Parallel()

	var f Framer
	got := f.Push([]byte(": keep-alive\r\ndata: x\r\n\r\n"))
	if len(got) != 1 || got[0].Data != "x" {
		t.Fatalf("got %+v, want single frame with data \"x\"", got)
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line  string
		event string
		data  string
		ok    bool
	}{
		{"event: message_stop", "message_stop", "", true},
		{"data: [DONE]", "", "[DONE]", true},
		{"data:no-space", "", "no-space", true},
		{": comment", "", "", false},
		{"", "", "", false},
		{"id: 7", "", "", false},
		{"garbage", "", "", false},
	}
	for _, tt := range tests {
		event, data, ok := ParseLine(tt.line)
		if event != tt.event || data != tt.data || ok != tt.ok {
			t.Errorf("ParseLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, event, data, ok, tt.event, tt.data, tt.ok)
		}
	}
}
