package providers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrStreamClosed is returned when reading from a closed SSE stream.
var ErrStreamClosed = errors.New("stream is closed")

// SSEEvent is one parsed Server-Sent Event.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEReader parses Server-Sent Events from a provider response body.
type SSEReader struct {
	reader *bufio.Reader
	closer io.Closer
	closed bool
}

// NewSSEReader wraps a streaming response body. Close closes the body.
func NewSSEReader(body io.ReadCloser) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(body),
		closer: body,
	}
}

// Next parses the next SSE event. It returns io.EOF when the stream ends;
// a final event without a trailing blank line is still delivered.
func (r *SSEReader) Next() (*SSEEvent, error) {
	if r.closed {
		return nil, ErrStreamClosed
	}

	var event SSEEvent
	var dataBuffer bytes.Buffer

	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				r.closed = true
				if dataBuffer.Len() > 0 {
					event.Data = dataBuffer.String()
					return &event, nil
				}
				return nil, io.EOF
			}
			return nil, fmt.Errorf("error reading stream: %w", err)
		}

		line = strings.TrimSpace(line)

		// Empty line signals end of event.
		if line == "" && dataBuffer.Len() > 0 {
			event.Data = dataBuffer.String()
			return &event, nil
		}

		// Skip empty lines and comments.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		colonIndex := strings.Index(line, ":")
		if colonIndex == -1 {
			continue
		}

		field := line[:colonIndex]
		value := strings.TrimSpace(line[colonIndex+1:])

		switch field {
		case "event":
			event.Event = value
		case "data":
			if dataBuffer.Len() > 0 {
				dataBuffer.WriteString("\n")
			}
			dataBuffer.WriteString(value)
		case "id":
			event.ID = value
		case "retry":
			// Ignored.
		}
	}
}

// Close closes the underlying response body.
func (r *SSEReader) Close() error {
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
