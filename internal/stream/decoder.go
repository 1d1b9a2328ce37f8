package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrIncompleteLine is returned when the input ends inside a line.
var ErrIncompleteLine = errors.New("stream ended inside an incomplete line")

// Decoder reads data-line payloads from a line-delimited event stream. Partial
// lines are buffered across reads and only complete lines are parsed. Blank
// lines, comment lines (":") and non-data fields are skipped.
type Decoder struct {
	r       *bufio.Reader
	partial strings.Builder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the payload of the next data line, or io.EOF when the input is
// exhausted on a line boundary.
func (d *Decoder) Next() (string, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return "", err
		}
		if payload, ok := dataPayload(line); ok {
			return payload, nil
		}
	}
}

// NextEvent returns the next protocol event.
func (d *Decoder) NextEvent() (Event, error) {
	payload, err := d.Next()
	if err != nil {
		return Event{}, err
	}
	return ParseEvent(payload)
}

func (d *Decoder) readLine() (string, error) {
	chunk, err := d.r.ReadString('\n')
	d.partial.WriteString(chunk)
	switch {
	case err == nil:
		line := d.partial.String()
		d.partial.Reset()
		return strings.TrimRight(line, "\r\n"), nil
	case errors.Is(err, io.EOF):
		rest := d.partial.String()
		d.partial.Reset()
		if strings.TrimSpace(rest) != "" {
			return "", ErrIncompleteLine
		}
		return "", io.EOF
	default:
		// Keep the buffered prefix; a retrying caller resumes the same line.
		return "", err
	}
}

func dataPayload(line string) (string, bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimPrefix(line, "data:")
	return strings.TrimPrefix(payload, " "), true
}
