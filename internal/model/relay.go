// Package model defines the transient values that flow through the relay.
package model

import "net/http"

// RelayRequest is an inbound call to be forwarded upstream.
type RelayRequest struct {
	Method   string
	Segments []string // decoded path segments after the relay prefix
	RawQuery string   // original query string without "?"
	Header   http.Header
	Body     []byte
}

// RelayResponse is the normalized upstream reply.
type RelayResponse struct {
	StatusCode int
	URL        string
	Payload    Payload
}
