package progress

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Event is one decoded server-sent event.
type Event struct {
	Name string
	Data json.RawMessage
}

// Reader decodes a text/event-stream body.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	// image events carry base64 payloads well past the default token size
	s.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	return &Reader{scanner: s}
}

// Next returns the next event, or io.EOF when the stream ends.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		pending bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if pending {
				if ev.Name == "" {
					ev.Name = "message"
				}
				ev.Data = json.RawMessage(strings.Join(data, "\n"))
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}
