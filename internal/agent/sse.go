package agent

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseReader iterates server-sent events from a response body. Each call to
// Next returns the event name and accumulated data payload; io.EOF marks the
// end of the stream (including an explicit "[DONE]" sentinel).
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(body io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(body)}
}

func (s *sseReader) Next() (string, []byte, error) {
	var eventName string
	var data bytes.Buffer

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data.Len() == 0 {
				if err == io.EOF {
					return "", nil, io.EOF
				}
				continue
			}
			return s.emit(eventName, data.Bytes())
		}

		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(chunk)
		}

		if err == io.EOF {
			if data.Len() == 0 {
				return "", nil, io.EOF
			}
			return s.emit(eventName, data.Bytes())
		}
	}
}

func (s *sseReader) emit(eventName string, payload []byte) (string, []byte, error) {
	if strings.TrimSpace(string(payload)) == "[DONE]" {
		return "", nil, io.EOF
	}
	return eventName, payload, nil
}
