package proxycap

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// NewResponse generates a valid synthetic http response to the given
// request with the given content type, status and body. It is used for
// blacklist/whitelist short-circuits and connection-failure responses.
func NewResponse(r *http.Request, status int, contentType, body string) *http.Response {
	resp := &http.Response{
		Request:    r,
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	buf := bytes.NewBufferString(body)
	resp.ContentLength = int64(buf.Len())
	resp.Body = io.NopCloser(buf)
	return resp
}
