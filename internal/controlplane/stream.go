package controlplane

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/postalsys/synapse-relay/internal/protocol"
)

// maxEventLine bounds a single event line.
const maxEventLine = 1 << 20

// ErrLineTooLong is returned by Stream.Next for an event line longer than
// maxEventLine. The line is discarded and the stream stays usable.
var ErrLineTooLong = fmt.Errorf("event line exceeds %d bytes", maxEventLine)

// Stream reads data events from the control plane event stream.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader

	closeOnce sync.Once
}

// NewStream wraps an event-stream body. OpenStream is the usual way to get a
// Stream; NewStream exists for callers that already hold a body.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{
		body:   body,
		reader: bufio.NewReaderSize(body, 64*1024),
	}
}

// Next blocks until the next data event and returns its payload. Non-data
// lines are skipped. At end of stream it returns ErrStreamClosed. An
// oversized line yields ErrLineTooLong and the next call carries on after it.
// Any other read failure is returned wrapped.
func (s *Stream) Next() ([]byte, error) {
	for {
		line, err := s.readLine()
		if len(line) > 0 {
			if data, ok := protocol.EventData(line); ok && len(data) > 0 {
				return data, nil
			}
		}
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				return nil, err
			}
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamClosed
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}
	}
}

// readLine returns one line without its terminator. A final unterminated
// line is returned together with io.EOF. A line over maxEventLine is read
// through to its terminator and dropped.
func (s *Stream) readLine() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > maxEventLine {
				tooLong = true
				line = nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			if err != nil {
				return nil, err
			}
			return nil, ErrLineTooLong
		}
		return trimEOL(line), err
	}
}

func trimEOL(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// Close closes the underlying response body, unblocking a pending Next.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
