// Package model defines shared types for the forwarder.
package model

import (
	"context"
	"io"
	"net/http"
)

// ForwardRequest represents a client request to be relayed upstream.
// Path, RawPath and RawQuery are kept exactly as received so the upstream
// target can be rebuilt without re-encoding.
type ForwardRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
}

// ForwardResponse represents the upstream response to be streamed back.
type ForwardResponse struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown

	// Trailer returns the upstream trailers. It is only complete after Body
	// has been read to EOF and may be nil.
	Trailer func() http.Header
}
