package stream

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

const MaxArrayBytes = 8 << 20

// ArrayDecoder decodes Gemini's streamGenerateContent body: one top-level JSON
// array whose elements arrive over time. While the array is still open the
// decoder parses buffer+"]" and silently waits for more bytes when that fails.
//
// Every successful parse yields the full text across all elements, so events
// are Snapshots and are emitted only when the text changed. A parse is only
// attempted when the new chunk contains a '}' (an element may have closed),
// and the buffer is capped at MaxArrayBytes.
type ArrayDecoder struct {
	buf     []byte
	max     int
	last    string
	decoded bool
	failed  bool
}

func NewArrayDecoder() *ArrayDecoder {
	return &ArrayDecoder{max: MaxArrayBytes}
}

func (d *ArrayDecoder) Feed(chunk []byte) []Event {
	if d.failed || len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)
	if len(d.buf) > d.max {
		d.failed = true
		d.buf = nil
		return []Event{{Kind: Error, Err: ErrFrameTooLarge}}
	}
	if bytes.IndexByte(chunk, '}') < 0 {
		return nil
	}

	text := strings.TrimSpace(string(d.buf))
	if !strings.HasPrefix(text, "[") {
		return nil
	}
	if !strings.HasSuffix(text, "]") {
		text += "]"
	}
	if !gjson.Valid(text) {
		return nil
	}
	return d.extract(gjson.Parse(text))
}

func (d *ArrayDecoder) Finish() ([]Event, error) {
	if d.failed {
		return nil, nil
	}
	text := strings.TrimSpace(string(d.buf))
	if text == "" {
		return nil, nil
	}
	if !gjson.Valid(text) {
		if d.decoded {
			return nil, nil
		}
		return nil, ErrNoFrames
	}

	root := gjson.Parse(text)
	switch {
	case root.IsArray():
		return d.extract(root), nil
	case root.IsObject():
		if msg := root.Get("error.message"); msg.Exists() {
			return []Event{{Kind: Error, Message: msg.String()}}, nil
		}
	}
	if d.decoded {
		return nil, nil
	}
	return nil, ErrNoFrames
}

func (d *ArrayDecoder) extract(root gjson.Result) []Event {
	d.decoded = true

	var sb strings.Builder
	for _, item := range root.Array() {
		if msg := item.Get("error.message"); msg.Exists() {
			d.failed = true
			return []Event{{Kind: Error, Message: msg.String()}}
		}
		for _, part := range item.Get("candidates.0.content.parts").Array() {
			sb.WriteString(part.Get("text").String())
		}
	}

	full := sb.String()
	if full == "" || full == d.last {
		return nil
	}
	d.last = full
	return []Event{{Kind: Snapshot, Text: full}}
}
