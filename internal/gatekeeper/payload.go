package gatekeeper

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// guardedMethods are the state-changing methods the payload guard applies
// to. Reads carry no meaningful body and skip the guard entirely.
var guardedMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// guardPayload enforces the request body ceiling. The declared
// Content-Length is checked first so oversized uploads are refused without
// reading a byte; requests without a usable declaration are read into a
// bounded buffer and aborted the moment the ceiling is crossed. On success
// the buffered bytes replace r.Body for downstream handlers.
//
// Returns false when the request was rejected (response already written).
func (g *Gatekeeper) guardPayload(w http.ResponseWriter, r *http.Request) bool {
	if g.maxBodyBytes <= 0 {
		return true
	}
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	if _, guarded := guardedMethods[r.Method]; !guarded {
		return true
	}

	var declared int64 = -1
	if raw := strings.TrimSpace(r.Header.Get("Content-Length")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			g.fail(w, r, StagePayload, http.StatusBadRequest, "BAD_REQUEST",
				"Invalid Content-Length header", nil)
			return false
		}
		declared = n
	} else if r.ContentLength >= 0 {
		declared = r.ContentLength
	}
	if declared > g.maxBodyBytes {
		g.fail(w, r, StagePayload, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
			"Payload Too Large", map[string]any{
				"max_request_body_bytes": g.maxBodyBytes,
				"content_length":         declared,
			})
		return false
	}

	if r.Body == nil || r.Body == http.NoBody {
		return true
	}

	// Read at most one byte past the ceiling; that byte existing is proof
	// enough, the rest of the body is never pulled.
	buf, err := io.ReadAll(io.LimitReader(r.Body, g.maxBodyBytes+1))
	if err != nil {
		g.fail(w, r, StagePayload, http.StatusBadRequest, "BAD_REQUEST",
			"Could not read request body", nil)
		return false
	}

	if int64(len(buf)) > g.maxBodyBytes {
		details := map[string]any{
			"max_request_body_bytes": g.maxBodyBytes,
			"request_body_bytes":     int64(len(buf)),
		}
		if declared >= 0 {
			details["content_length"] = declared
		}
		g.fail(w, r, StagePayload, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
			"Payload Too Large", details)
		return false
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return true
}
