// Package sse provides server-sent-event framing shared by the dialect
// transformers: a push-based line framer for upstream streams and chunk
// builders for the OpenAI streaming wire shape.
package sse

import (
	"bytes"
	"strings"
)

const maxEventSize = 256 * 1024

// Frame is one parsed upstream SSE event: an optional event name and the
// data payload of the data line that completed it.
type Frame struct {
	Event string
	Data  string
	// Raw holds the original lines of the frame, for logging.
	Raw []byte
}

// Framer accumulates upstream bytes and yields complete SSE frames. Input
// may split anywhere, including mid-line; partial trailing lines are kept
// until the next Push. The framer is line-driven: each data line closes a
// frame carrying the most recent event name.
type Framer struct {
	buf       bytes.Buffer
	event     string
	eventLine []byte
}

// Push appends p to the internal buffer and returns all frames completed
// by it.
func (f *Framer) Push(p []byte) []Frame {
	f.buf.Write(p)

	var frames []Frame
	for {
		raw := f.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(raw[:i], []byte("\r")))
		f.buf.Next(i + 1)

		event, data, ok := ParseLine(line)
		if !ok {
			continue
		}
		if event != "" {
			f.event = event
			f.eventLine = []byte(line)
			continue
		}

		fr := Frame{Event: f.event, Data: data}
		if f.eventLine != nil {
			fr.Raw = append(append(fr.Raw, f.eventLine...), '\n')
		}
		fr.Raw = append(fr.Raw, line...)
		frames = append(frames, fr)
		f.event = ""
		f.eventLine = nil
	}

	// A stream that never produces a newline should not grow without bound.
	if f.buf.Len() > maxEventSize {
		f.buf.Reset()
	}
	return frames
}

// Reset discards any buffered partial line and pending event name.
func (f *Framer) Reset() {
	f.buf.Reset()
	f.event = ""
	f.eventLine = nil
}

// ParseLine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"  -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"      -> ok=false (comment)
//	""               -> ok=false (empty)
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	// SSE comments start with ':'
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip optional leading space after colon per SSE spec
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
