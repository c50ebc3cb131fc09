// Package wire turns an inbound *http.Request into the RequestContext
// the rest of the core operates on. Go's net/http server already
// implements the chunked-accumulation-until-CRLFCRLF-then-
// Content-Length framing the wire format describes, so this package is
// a thin adapter rather than a hand-rolled parser.
package wire

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ellproxy/ellproxy-core/internal/apierr"
	"github.com/ellproxy/ellproxy-core/internal/thinking"
)

// maxBodyBytes bounds how much of the body is read for a single
// request (64 MiB); anything past it is not read.
const maxBodyBytes = 64 << 20

// RequestContext is the decoded shape of one inbound request, owned
// by a single request-handling goroutine for its lifetime.
type RequestContext struct {
	Method      string
	Path        string
	Header      http.Header
	RawBody     []byte
	JSONBody    map[string]any
	RetryCount  int
}

// FromHTTPRequest reads and decodes r's body. A body that fails to
// parse as JSON still produces a RequestContext with a nil JSONBody —
// callers that require a JSON object report apierr.BadRequest
// themselves.
func FromHTTPRequest(r *http.Request) (*RequestContext, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, apierr.New(apierr.BadRequest, "failed to read request body: "+err.Error())
	}

	ctx := &RequestContext{
		Method:  r.Method,
		Path:    r.URL.Path,
		Header:  r.Header,
		RawBody: body,
	}

	if len(body) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err == nil {
			ctx.JSONBody = decoded
		}
	}

	return ctx, nil
}

// RequireJSON returns ctx.JSONBody or a BadRequest error when the body
// wasn't parseable JSON.
func (c *RequestContext) RequireJSON() (map[string]any, error) {
	if c.JSONBody == nil {
		return nil, apierr.New(apierr.BadRequest, "request body is not valid JSON")
	}
	return c.JSONBody, nil
}

// IsSyncProbe reports whether the private sync/probe header is set,
// per the wire contract that ThinkingShaper bypasses routing for it.
func (c *RequestContext) IsSyncProbe() bool {
	return c.Header.Get(thinking.TestHeaderName) == "true"
}
