package proxy

import (
	"io"
	"os"
	"sync"
)

// Streams owns the three session streams inherited from the client launcher.
// They live for the proxy's entire life: a terminated child never closes
// them, only Close does, at proxy shutdown.
type Streams struct {
	// In carries inbound client messages.
	In io.ReadCloser
	// Diag is the out-of-band diagnostics channel; logs and markers only,
	// never protocol payloads.
	Diag io.WriteCloser

	outMu sync.Mutex
	out   io.WriteCloser
}

func NewStreams(in io.ReadCloser, out, diag io.WriteCloser) *Streams {
	return &Streams{In: in, Diag: diag, out: out}
}

// Stdio bridges the proxy's own standard streams, the way the client
// launcher hands them down.
func Stdio() *Streams {
	return NewStreams(os.Stdin, os.Stdout, os.Stderr)
}

// WriteOut writes one protocol line to client-output, appending the line
// terminator when missing. Writes are serialized so a synthesized validation
// error can never interleave with a forwarded child line.
func (s *Streams) WriteOut(line []byte) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.out.Write(line); err != nil {
		return err
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if _, err := s.out.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return nil
}

// Close tears the session down. Only proxy shutdown calls this.
func (s *Streams) Close() error {
	var firstErr error
	for _, c := range []io.Closer{s.In, s.out, s.Diag} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
