package protocol

import "bytes"

var dataPrefix = []byte("data:")

// EventData extracts the payload of a server-sent-events data line. Lines
// that are not data lines (comments, event names, ids, blank separators)
// report false.
func EventData(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	return bytes.TrimSpace(line[len(dataPrefix):]), true
}
