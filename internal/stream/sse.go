package stream

import (
	"strings"

	"github.com/tidwall/gjson"
)

const doneSentinel = "[DONE]"

// SSEDecoder decodes Server-Sent-Events carrying OpenAI-style chat chunks.
// It also understands Anthropic's native events and gateways that pass them
// through, since both carry text under a top-level delta.text.
type SSEDecoder struct {
	lines    *LineBuffer
	received bool
	decoded  bool
	failed   bool
}

func NewSSEDecoder() *SSEDecoder {
	return &SSEDecoder{lines: NewLineBuffer(MaxLineBytes)}
}

func (d *SSEDecoder) Feed(chunk []byte) []Event {
	if len(chunk) > 0 {
		d.received = true
	}
	lines, err := d.lines.Write(chunk)
	events := d.decodeLines(lines)
	if err != nil && !d.failed {
		events = append(events, Event{Kind: Error, Err: err})
	}
	return events
}

func (d *SSEDecoder) Finish() ([]Event, error) {
	var events []Event
	if tail, ok := d.lines.Flush(); ok {
		events = d.decodeLines([]string{tail})
	}
	if d.received && !d.decoded {
		return events, ErrNoFrames
	}
	return events, nil
}

func (d *SSEDecoder) decodeLines(lines []string) []Event {
	var events []Event
	for _, line := range lines {
		if d.failed {
			return events
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var payload string
		switch {
		case strings.HasPrefix(line, "data:"):
			payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == doneSentinel {
				d.decoded = true
				continue
			}
		case strings.Contains(line, `"choices"`), strings.Contains(line, `"delta"`), strings.Contains(line, `"content"`):
			payload = line
		default:
			continue
		}

		if ev, ok := d.decodePayload(payload); ok {
			events = append(events, ev)
			if ev.Kind == Error {
				d.failed = true
			}
		}
	}
	return events
}

func (d *SSEDecoder) decodePayload(payload string) (Event, bool) {
	if !gjson.Valid(payload) {
		return Event{}, false
	}
	frame := gjson.Parse(payload)
	if !frame.IsObject() {
		return Event{}, false
	}
	d.decoded = true

	if e := frame.Get("error"); e.Exists() && e.Type != gjson.Null {
		if msg := e.Get("message"); msg.Exists() {
			return Event{Kind: Error, Message: msg.String()}, true
		}
		if e.Type == gjson.String {
			return Event{Kind: Error, Message: e.String()}, true
		}
	}

	text, ok := DeltaText(frame)
	if !ok || text == "" {
		return Event{}, false
	}
	return Event{Kind: Delta, Text: text}, true
}

var deltaPaths = []string{
	"choices.0.delta.content",
	"choices.0.delta.text",
	"delta.text",
}

// DeltaText returns the text of the first delta shape present in frame.
func DeltaText(frame gjson.Result) (string, bool) {
	for _, path := range deltaPaths {
		if v := frame.Get(path); v.Exists() && v.Type != gjson.Null {
			return v.String(), true
		}
	}
	return "", false
}
