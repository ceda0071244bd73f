// Package jsonrpc implements the newline-delimited JSON framing used by
// Electrum protocol servers. Requests carry a numeric id; responses echo
// the id of the request they answer. Server-initiated notifications carry
// a method and params but no id.
package jsonrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// delimiter terminates every frame on the wire.
const delimiter = byte('\n')

// maxFrameSize bounds a single response frame. A 2016-header chunk is
// roughly 315 KiB of hex, so this leaves ample headroom while still
// rejecting runaway frames.
const maxFrameSize = 4 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned when an incoming frame exceeds
	// maxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Request is a single client-initiated message.
type Request struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Response is a single server-originated message. For replies to our own
// requests ID is set and Result or Error carries the payload. For
// server-pushed notifications ID is nil and Method/Params describe the
// event. The router rewrites notifications into the reply shape before
// dispatch, so downstream consumers only ever observe Method+Params+Result.
type Response struct {
	ID     *uint64           `json:"id"`
	Method string            `json:"method,omitempty"`
	Params []json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  json.RawMessage   `json:"error,omitempty"`
}

// ServerError returns a non-nil error if the response carries an error
// member.
func (r *Response) ServerError() error {
	if len(r.Error) == 0 || string(r.Error) == "null" {
		return nil
	}
	return fmt.Errorf("server error: %s", r.Error)
}

// MarshalParams encodes each value into its raw JSON form for use as
// request parameters.
func MarshalParams(values ...interface{}) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		params = append(params, raw)
	}
	return params, nil
}

// Codec frames requests and responses over a raw stream.
type Codec struct {
	rw *bufio.ReadWriter
}

// NewCodec returns a codec reading and writing framed messages on rw.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		rw: bufio.NewReadWriter(
			bufio.NewReaderSize(rw, 64*1024),
			bufio.NewWriter(rw),
		),
	}
}

// Send writes a single request frame, flushing it to the wire.
func (c *Codec) Send(req *Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.rw.Write(payload); err != nil {
		return err
	}
	if err := c.rw.WriteByte(delimiter); err != nil {
		return err
	}
	return c.rw.Flush()
}

// Recv blocks until the next complete frame arrives and decodes it. An
// unparseable or oversized frame is an error; the caller is expected to
// tear the connection down.
func (c *Codec) Recv() (*Response, error) {
	var frame []byte
	for {
		chunk, err := c.rw.ReadSlice(delimiter)
		frame = append(frame, chunk...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
		if len(frame) > maxFrameSize {
			return nil, ErrFrameTooLarge
		}
	}
	resp := &Response{}
	if err := json.Unmarshal(frame, resp); err != nil {
		return nil, fmt.Errorf("malformed frame: %v", err)
	}
	return resp, nil
}
