package http

import (
	"bytes"
	"net/http"
	"strconv"
)

// RequestResponseAdapter gives migrations access to the bodies of a single
// HTTP exchange.
type RequestResponseAdapter interface {
	GetRequestBody() string
	SetRequestBody(body string)
	GetResponseBody() string
	SetResponseBody(body string)
}

// Exchange holds the buffered request body and the buffered response of one
// request while its payloads are migrated.
type Exchange struct {
	request  []byte
	response *responseBuffer
	// rewritten is set once the response body has been replaced.
	rewritten bool
}

var _ RequestResponseAdapter = (*Exchange)(nil)

// NewExchange returns an Exchange over a request body that has already been
// read in full.
func NewExchange(requestBody []byte) *Exchange {
	return &Exchange{
		request:  requestBody,
		response: newResponseBuffer(),
	}
}

func (e *Exchange) GetRequestBody() string { return string(e.request) }

func (e *Exchange) SetRequestBody(body string) { e.request = []byte(body) }

func (e *Exchange) GetResponseBody() string { return e.response.body.String() }

func (e *Exchange) SetResponseBody(body string) {
	e.rewritten = true
	e.response.body.Reset()
	e.response.body.WriteString(body)
}

// ResponseWriter returns the writer the downstream handler should write to.
// Everything written is held until Flush.
func (e *Exchange) ResponseWriter() http.ResponseWriter {
	return e.response
}

// Flush copies the buffered status, headers and body to w. Once the
// response body has been replaced, Content-Length is rewritten to match it;
// otherwise the downstream handler's value is kept, which preserves it for
// HEAD responses.
func (e *Exchange) Flush(w http.ResponseWriter) error {
	h := w.Header()
	for k, vv := range e.response.header {
		h[k] = vv
	}
	if e.rewritten {
		h.Set("Content-Length", strconv.Itoa(e.response.body.Len()))
	}
	w.WriteHeader(e.response.Code())
	_, err := w.Write(e.response.body.Bytes())
	return err
}

// responseBuffer is an http.ResponseWriter that keeps everything in memory.
type responseBuffer struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *responseBuffer) WriteHeader(code int) {
	if b.code == 0 {
		b.code = code
	}
}

func (b *responseBuffer) Code() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}
