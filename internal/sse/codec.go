// Package sse adapts hubs to a server-sent-events push stream.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/session-hub/backend/internal/model"
)

// Record is one labeled event on the stream.
type Record struct {
	Event string
	Data  json.RawMessage
}

// Encode frames data as `event: <kind>\ndata: <JSON>\n\n`. Payloads spanning
// several lines get one data field per line.
func Encode(kind model.EventKind, data json.RawMessage) []byte {
	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(string(kind))
	b.WriteByte('\n')
	for _, line := range bytes.Split(data, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// Decoder reads records from a continuous stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next complete record. Comment lines are skipped. It
// returns io.EOF at a clean end of stream and io.ErrUnexpectedEOF when the
// stream ends inside a record.
func (d *Decoder) Next() (Record, error) {
	var (
		rec     Record
		data    []string
		pending bool
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if pending || line != "" {
					return Record{}, io.ErrUnexpectedEOF
				}
				return Record{}, io.EOF
			}
			return Record{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !pending {
				continue
			}
			rec.Data = json.RawMessage(strings.Join(data, "\n"))
			return rec, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			rec.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}
	}
}
