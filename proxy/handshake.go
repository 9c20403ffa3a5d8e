package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// Recorder captures the client's session-initialization request and replays
// it to every freshly spawned child, so the client never has to re-run its
// one-time handshake across restarts.
type Recorder struct {
	method string

	mu        sync.Mutex
	observed  bool
	request   []byte
	requestID json.RawMessage
	suppress  json.RawMessage // reply id to swallow; nil when disarmed
}

// NewRecorder watches for a request whose method is the given
// session-initialization method.
func NewRecorder(method string) *Recorder {
	return &Recorder{method: method}
}

// Observe inspects one accepted inbound message. Only the first message of
// the session is considered; if it has the handshake shape it is stored
// verbatim. A later re-handshake attempt by the client is never re-captured.
func (r *Recorder) Observe(msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observed {
		return
	}
	r.observed = true

	var probe struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		return
	}
	if probe.Method != r.method || len(probe.ID) == 0 {
		return
	}
	r.request = append([]byte(nil), msg...)
	r.requestID = append(json.RawMessage(nil), probe.ID...)
}

// Captured reports whether a handshake is on record.
func (r *Recorder) Captured() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.request) > 0
}

// Replay writes the stored request to a fresh child and arms suppression of
// that child's reply. With nothing on record it is a no-op.
func (r *Recorder) Replay(w io.Writer) error {
	r.mu.Lock()
	req := r.request
	id := r.requestID
	r.mu.Unlock()

	if len(req) == 0 {
		return nil
	}
	line := make([]byte, 0, len(req)+1)
	line = append(line, req...)
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return err
	}
	r.mu.Lock()
	r.suppress = id
	r.mu.Unlock()
	return nil
}

// SuppressReply reports whether line is the new child's reply to a replayed
// handshake. The client already holds the original reply and must never see
// a second one. The first matching reply disarms suppression; everything
// else, including child requests and notifications, passes through.
func (r *Recorder) SuppressReply(line []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.suppress == nil {
		return false
	}
	var probe struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	if probe.Method != "" || len(probe.ID) == 0 {
		return false
	}
	if !bytes.Equal(compactJSON(probe.ID), compactJSON(r.suppress)) {
		return false
	}
	r.suppress = nil
	return true
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
