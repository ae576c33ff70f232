package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Ack is the interpreted acknowledgment of one chunk upload. It is one of
// ExtractAck, MessageAck or UnknownAck.
type Ack interface {
	ack()
}

// ExtractAck instructs the client to unzip Package into Destination.
type ExtractAck struct {
	Package     string
	Destination string
	Message     string
}

// MessageAck is informational.
type MessageAck struct {
	Message string
}

// UnknownAck is any other body, kept verbatim.
type UnknownAck struct {
	Raw string
}

func (ExtractAck) ack() {}
func (MessageAck) ack() {}
func (UnknownAck) ack() {}

// ProtocolError reports an acknowledgment body that is not valid JSON.
// It is never fatal.
type ProtocolError struct {
	Body string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed acknowledgment %q: %v", truncate(e.Body, 120), e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type ackBody struct {
	Package     *string `json:"package"`
	Destination *string `json:"destination"`
	Message     *string `json:"message"`
}

// ParseAck classifies body. A body that does not decode returns an
// UnknownAck together with a *ProtocolError.
func ParseAck(body []byte) (Ack, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return UnknownAck{}, nil
	}
	if trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return UnknownAck{Raw: string(trimmed)}, nil
		}
		return UnknownAck{Raw: string(body)}, &ProtocolError{Body: string(body), Err: fmt.Errorf("not a JSON document")}
	}

	var b ackBody
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return UnknownAck{Raw: string(body)}, &ProtocolError{Body: string(body), Err: err}
	}

	switch {
	case b.Package != nil && b.Destination != nil && *b.Package != "" && *b.Destination != "":
		a := ExtractAck{Package: *b.Package, Destination: *b.Destination}
		if b.Message != nil {
			a.Message = *b.Message
		}
		return a, nil
	case b.Message != nil:
		return MessageAck{Message: *b.Message}, nil
	default:
		return UnknownAck{Raw: string(trimmed)}, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
