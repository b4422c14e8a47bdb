package stream

import (
	"strings"

	"github.com/tidwall/gjson"
)

// NDJSONDecoder decodes newline-delimited JSON objects as emitted by a local
// Ollama server. Both /api/chat ({"message":{"content":..}}) and
// /api/generate ({"response":..}) frames are understood.
type NDJSONDecoder struct {
	lines    *LineBuffer
	received bool
	decoded  bool
}

func NewNDJSONDecoder() *NDJSONDecoder {
	return &NDJSONDecoder{lines: NewLineBuffer(MaxLineBytes)}
}

func (d *NDJSONDecoder) Feed(chunk []byte) []Event {
	if len(chunk) > 0 {
		d.received = true
	}
	lines, err := d.lines.Write(chunk)
	events := d.decodeLines(lines)
	if err != nil {
		events = append(events, Event{Kind: Error, Err: err})
	}
	return events
}

func (d *NDJSONDecoder) Finish() ([]Event, error) {
	var events []Event
	if tail, ok := d.lines.Flush(); ok {
		events = d.decodeLines([]string{tail})
	}
	if d.received && !d.decoded {
		return events, ErrNoFrames
	}
	return events, nil
}

func (d *NDJSONDecoder) decodeLines(lines []string) []Event {
	var events []Event
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || !gjson.Valid(line) {
			continue
		}
		frame := gjson.Parse(line)
		if !frame.IsObject() {
			continue
		}
		d.decoded = true

		if e := frame.Get("error"); e.Exists() {
			msg := e.String()
			if e.IsObject() {
				msg = e.Get("message").String()
			}
			events = append(events, Event{Kind: Error, Message: msg})
			return events
		}
		if c := frame.Get("message.content"); c.Exists() {
			if text := c.String(); text != "" {
				events = append(events, Event{Kind: Delta, Text: text})
			}
		} else if r := frame.Get("response"); r.Exists() {
			if text := r.String(); text != "" {
				events = append(events, Event{Kind: Delta, Text: text})
			}
		}
		if frame.Get("done").Bool() {
			events = append(events, Event{Kind: Done})
		}
	}
	return events
}
