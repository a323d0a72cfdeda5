package goble

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/srg/movesense/internal/mds"
)

// Op is the operation code of a request or push frame. Response frames
// carry no op; they are matched to their request by Ref.
type Op string

const (
	OpGet         Op = "GET"
	OpPut         Op = "PUT"
	OpPost        Op = "POST"
	OpDelete      Op = "DEL"
	OpSubscribe   Op = "SUB"
	OpUnsubscribe Op = "UNSUB"
	OpHello       Op = "HELLO"
	OpNotify      Op = "NOTIFY"
	OpNotifyError Op = "NOTIFY_ERR"
)

// Frame is one newline-delimited JSON message on the UART link.
type Frame struct {
	Op     Op              `json:"op,omitempty"`
	Ref    uint32          `json:"ref"`
	URI    string          `json:"uri,omitempty"`
	Status int             `json:"status,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// OK reports a 2xx response status.
func (f Frame) OK() bool {
	return f.Status >= 200 && f.Status < 300
}

// Text renders the body for humans: JSON strings are unquoted, anything else
// is returned verbatim.
func (f Frame) Text() string {
	var s string
	if err := json.Unmarshal(f.Body, &s); err == nil {
		return s
	}
	return string(f.Body)
}

// statusError formats a failed response as "<status> <body>".
func (f Frame) statusError() string {
	if len(f.Body) == 0 {
		return strconv.Itoa(f.Status)
	}
	return fmt.Sprintf("%d %s", f.Status, f.Text())
}

// EncodeFrame marshals f and appends the frame delimiter.
func EncodeFrame(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Op, err)
	}
	return append(b, '\n'), nil
}

func opFor(m mds.Method) (Op, error) {
	switch m {
	case mds.MethodGet:
		return OpGet, nil
	case mds.MethodPut:
		return OpPut, nil
	case mds.MethodPost:
		return OpPost, nil
	case mds.MethodDelete:
		return OpDelete, nil
	default:
		return "", fmt.Errorf("method %q has no frame op", m)
	}
}

// contractBody carries a contract as the frame body. Valid JSON goes as is,
// anything else is sent as a JSON string.
func contractBody(contract string) json.RawMessage {
	if contract == "" {
		return nil
	}
	if json.Valid([]byte(contract)) {
		return json.RawMessage(contract)
	}
	b, _ := json.Marshal(contract)
	return b
}

// frameDecoder reassembles frames from notification chunks. Chunk
// boundaries are arbitrary; only '\n' ends a frame.
type frameDecoder struct {
	buf bytes.Buffer
	max int
}

func newFrameDecoder(max int) *frameDecoder {
	return &frameDecoder{max: max}
}

// Feed appends p and returns every complete frame. Malformed lines are
// skipped and reported in errs.
func (d *frameDecoder) Feed(p []byte) (frames []Frame, errs []error) {
	d.buf.Write(p)
	for {
		line, err := d.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete tail; keep it for the next chunk.
			d.buf.Reset()
			d.buf.Write(line)
			break
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			errs = append(errs, fmt.Errorf("malformed frame %q: %w", line, err))
			continue
		}
		frames = append(frames, f)
	}

	if d.max > 0 && d.buf.Len() > d.max {
		errs = append(errs, fmt.Errorf("frame exceeds %d bytes, discarding %d buffered bytes", d.max, d.buf.Len()))
		d.buf.Reset()
	}
	return frames, errs
}
