// Package proxy implements a transparent restart proxy: a stable parent
// sitting between a long-lived client connection and a replaceable child
// server process, so the child can be killed and respawned without the
// client reconnecting or re-running its session handshake.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/respawn-sh/respawn/supervisor"
)

// maxMessageBytes bounds a single protocol message on either stream.
const maxMessageBytes = 8 * 1024 * 1024

// Proxy composes the stream bridge, message validator, handshake recorder,
// restart detector and child supervisor into the steady-state forward loop.
type Proxy struct {
	streams  *Streams
	sup      *supervisor.Supervisor
	recorder *Recorder
	detector *supervisor.Detector
	diag     io.Writer
	log      *zap.SugaredLogger
}

func New(streams *Streams, sup *supervisor.Supervisor, recorder *Recorder, detector *supervisor.Detector, diagSink io.Writer, log *zap.SugaredLogger) *Proxy {
	return &Proxy{
		streams:  streams,
		sup:      sup,
		recorder: recorder,
		detector: detector,
		diag:     diagSink,
		log:      log,
	}
}

type exitResult struct {
	class supervisor.ExitClass
	err   error
}

// Run drives the session until the child exits cleanly, the client closes
// its input, or the proxy hits an unrecoverable fault. It returns the exit
// code the proxy process should terminate with.
func (p *Proxy) Run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan []byte)
	go p.readClient(ctx, msgs)

	child, err := p.sup.Spawn(ctx)
	if err != nil {
		p.log.Errorf("unable to spawn child: %s", err)
		return 0, err
	}

	var pending [][]byte // accepted but undelivered when their child died
	clientGone := false

	for {
		exitCh, pumpsDone := p.attach(ctx, child)

		// drain held messages in receipt order; the handshake already
		// went out during spawn, so it still precedes them
		for len(pending) > 0 {
			if err := writeLine(child.Proc.Stdin(), pending[0]); err != nil {
				p.log.Debugf("redelivering held message: %s", err)
				break
			}
			pending = pending[1:]
		}
		if clientGone {
			child.Proc.Stdin().Close()
		}

		var res exitResult
	forward:
		for {
			select {
			case <-p.detector.Requests():
				p.sup.NoteRestartRequested()
			case msg, ok := <-msgs:
				if !ok {
					msgs = nil
					clientGone = true
					p.log.Info("client closed its input, shutting child down")
					child.Proc.Stdin().Close()
					continue
				}
				if len(pending) > 0 {
					// never let a new message jump ahead of held ones
					pending = append(pending, msg)
					continue
				}
				if err := writeLine(child.Proc.Stdin(), msg); err != nil {
					// hold it for the replacement child
					p.log.Debugf("child unavailable, holding message: %s", err)
					pending = append(pending, msg)
				}
			case res = <-exitCh:
				break forward
			}
		}

		// let the output and diagnostics pumps drain to EOF before the
		// streams are handed to a replacement
		<-pumpsDone

		if res.err != nil {
			return 0, res.err
		}

		switch res.class.Kind {
		case supervisor.ExitClean:
			return res.class.Code, nil
		default:
			if clientGone {
				// no client left to serve; don't respawn for nobody
				return res.class.Code, nil
			}
			child, err = p.sup.Respawn(ctx, res.class)
			if err != nil {
				p.log.Errorf("unable to respawn child: %s", err)
				return 0, err
			}
		}
	}
}

// attach starts the per-child watchers: the stdout pump, the diagnostics
// watcher, and the exit waiter. They exist so multiple I/O sources can be
// watched without one stalling another.
func (p *Proxy) attach(ctx context.Context, child *supervisor.Child) (<-chan exitResult, <-chan struct{}) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.pumpOutput(child)
	}()
	go func() {
		defer wg.Done()
		p.detector.Watch(child.Proc.Stderr(), p.diag)
	}()

	pumpsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(pumpsDone)
	}()

	exitCh := make(chan exitResult, 1)
	go func() {
		class, err := p.sup.AwaitExit(ctx, child)
		exitCh <- exitResult{class: class, err: err}
	}()

	return exitCh, pumpsDone
}

// pumpOutput forwards the child's protocol output to the client verbatim,
// dropping only the reply to a replayed handshake.
func (p *Proxy) pumpOutput(child *supervisor.Child) {
	scanner := bufio.NewScanner(child.Proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if p.recorder.SuppressReply(line) {
			p.log.Debug("discarding replayed handshake reply")
			continue
		}
		if err := p.streams.WriteOut(line); err != nil {
			p.log.Errorf("writing child output to client: %s", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.log.Debugf("child output read error: %s", err)
	}
}

// readClient reads inbound client messages for the proxy's whole life,
// validating each one before it can reach any child. Malformed messages are
// answered directly with a structured protocol error and never forwarded. An
// oversized line is rejected the same way and the session keeps going.
func (p *Proxy) readClient(ctx context.Context, msgs chan<- []byte) {
	defer close(msgs)
	reader := bufio.NewReaderSize(p.streams.In, 64*1024)
	for {
		raw, tooLong, err := readLine(reader, maxMessageBytes)
		switch {
		case tooLong:
			p.log.Warnf("rejecting client message longer than %d bytes", maxMessageBytes)
			if werr := p.streams.WriteOut(parseErrorResponse(nil, fmt.Errorf("message longer than %d bytes", maxMessageBytes))); werr != nil {
				p.log.Errorf("writing protocol error to client: %s", werr)
			}
		case len(bytes.TrimSpace(raw)) == 0:
			// blank keepalive line
		default:
			if cerr := canonicalize(raw); cerr != nil {
				p.log.Warnf("rejecting malformed client message: %s", cerr)
				if werr := p.streams.WriteOut(parseErrorResponse(raw, cerr)); werr != nil {
					p.log.Errorf("writing protocol error to client: %s", werr)
				}
			} else {
				p.recorder.Observe(raw)
				select {
				case msgs <- raw:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				p.log.Warnf("client input read error: %s", err)
			}
			return
		}
	}
}

// readLine reads one newline-terminated line of at most max bytes, with the
// terminator stripped. A longer line is consumed through its terminator and
// reported as too long rather than returned.
func readLine(r *bufio.Reader, max int) ([]byte, bool, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			if len(line) > max {
				return nil, true, discardLine(r)
			}
			continue
		}
		if len(line) > max {
			return nil, true, err
		}
		return bytes.TrimRight(line, "\r\n"), false, err
	}
}

// discardLine skips the remainder of an oversized line.
func discardLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		return err
	}
}

func writeLine(w io.Writer, msg []byte) error {
	line := make([]byte, 0, len(msg)+1)
	line = append(line, msg...)
	line = append(line, '\n')
	_, err := w.Write(line)
	return err
}
