package httpmsg

import (
	"io"
	"net/http"
)

// Response is the outbound side of an exchange. Body may be a byte slice
// (static or materialized by a rewrite callback) or a stream, never both.
type Response struct {
	StatusCode   int
	ReasonPhrase string
	Headers      http.Header
	HeaderList   []HeaderPair
	Body         []byte
	Stream       io.Reader
	Trailers     http.Header
}

// IsStreamed reports whether the response body should be pumped from Stream
// rather than written from Body in one shot.
func (r *Response) IsStreamed() bool {
	return r.Stream != nil
}
