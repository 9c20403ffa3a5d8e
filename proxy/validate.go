package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// parseErrorCode is the JSON-RPC 2.0 parse error code.
const parseErrorCode = -32700

// canonicalize checks that raw is strictly well-formed: valid UTF-8 that
// decodes and re-encodes cleanly as one JSON value. The check is generic
// over encoding validity rather than enumerating problematic character
// classes. The original bytes are what gets forwarded; re-encoding is only
// the gate.
func canonicalize(raw []byte) error {
	if !utf8.Valid(raw) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("trailing data after message")
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Errorf("re-encoding message: %w", err)
	}
	return nil
}

// extractID pulls the message identifier out of raw on a best-effort basis,
// tolerating malformed payloads. Returns nil when no id is recoverable.
func extractID(raw []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	if len(probe.ID) == 0 || !utf8.Valid(probe.ID) || !json.Valid(probe.ID) {
		return nil
	}
	return probe.ID
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcError        `json:"error"`
}

// parseErrorResponse synthesizes the structured protocol error written back
// to the client when an inbound message fails validation. The message never
// reaches a child.
func parseErrorResponse(raw []byte, cause error) []byte {
	resp := errorResponse{
		JSONRPC: "2.0",
		ID:      extractID(raw),
		Error: rpcError{
			Code:    parseErrorCode,
			Message: fmt.Sprintf("parse error: %s", cause),
		},
	}
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`)
	}
	return b
}
