// Package transport provides newline-delimited JSON framing over a local
// stream socket, with a multi-connection server and a request/response
// client. Each frame is one JSON object followed by a single '\n'.
package transport

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/common/logger"
)

// Encode serializes v as a single frame. The JSON encoder never emits raw
// newlines inside the object, so the trailing '\n' is an unambiguous
// frame delimiter.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decoder is an incremental frame decoder. Feed it raw reads in any
// chunking; it buffers partial lines, skips malformed or non-object lines
// with a warning, and emits each complete JSON object.
type Decoder struct {
	buf    bytes.Buffer
	logger *logger.Logger
}

// NewDecoder creates a Decoder. The logger may be nil.
func NewDecoder(log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.Default()
	}
	return &Decoder{logger: log}
}

// Feed appends data to the internal buffer and returns every complete,
// valid JSON object frame seen so far. A trailing incomplete line is
// retained for the next call.
func (d *Decoder) Feed(data []byte) []json.RawMessage {
	d.buf.Write(data)

	var frames []json.RawMessage
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return frames
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		d.buf.Next(idx + 1)

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			d.logger.Warn("discarding malformed frame", zap.Int("len", len(line)))
			continue
		}
		// Frames must be JSON objects; scalars and arrays are dropped.
		if line[0] != '{' {
			d.logger.Warn("discarding non-object frame")
			continue
		}
		frames = append(frames, json.RawMessage(line))
	}
}

// Pending returns the number of buffered bytes awaiting a delimiter.
func (d *Decoder) Pending() int {
	return d.buf.Len()
}
