package model

import "encoding/json"

// PayloadKind tags the variant held by a Payload.
type PayloadKind int

const (
	// RawText is an upstream body that did not parse as JSON.
	RawText PayloadKind = iota
	// Structured is an upstream body that parsed as a JSON value.
	Structured
)

func (k PayloadKind) String() string {
	if k == Structured {
		return "structured"
	}
	return "raw_text"
}

// Payload is either a JSON value or raw text. The zero value is empty RawText.
type Payload struct {
	kind PayloadKind
	text string
}

// ParsePayload classifies an upstream body. Bodies that are valid JSON keep
// their exact bytes; anything else, including the empty body, is RawText.
func ParsePayload(text string) Payload {
	if text != "" && json.Valid([]byte(text)) {
		return Payload{kind: Structured, text: text}
	}
	return Payload{kind: RawText, text: text}
}

// Kind reports which variant p holds.
func (p Payload) Kind() PayloadKind { return p.kind }

// Text returns the upstream body as received.
func (p Payload) Text() string { return p.text }

// MarshalJSON emits a Structured payload verbatim and a RawText payload as a
// JSON string.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.kind == Structured {
		return []byte(p.text), nil
	}
	return json.Marshal(p.text)
}
