package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// StdioEndpoint is the local side of the proxy: newline-delimited
// JSON-RPC messages read from r and written to w, matching the wire
// format every MCP stdio client/host speaks.
type StdioEndpoint struct {
	handlers

	w       io.Writer
	writeMu sync.Mutex

	closeOnce sync.Once
	closer    io.Closer
}

// NewStdio wraps r/w as a stdio Endpoint and starts its read loop in the
// background. closer, if non-nil, is invoked once by Close (e.g. to
// close the underlying os.Stdin so a blocked Scan returns).
func NewStdio(r io.Reader, w io.Writer, closer io.Closer) *StdioEndpoint {
	e := &StdioEndpoint{w: w, closer: closer}
	go e.readLoop(r)
	return e
}

func (e *StdioEndpoint) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		e.deliver(msg)
	}

	if err := scanner.Err(); err != nil {
		e.notifyError(err)
	}
	e.notifyClose()
}

// Send writes msg followed by a newline. Concurrent callers are
// serialized so interleaved writes never corrupt a frame.
func (e *StdioEndpoint) Send(msg json.RawMessage) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.w.Write(msg); err != nil {
		return err
	}
	_, err := e.w.Write([]byte("\n"))
	return err
}

func (e *StdioEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.closer != nil {
			err = e.closer.Close()
		}
	})
	return err
}
