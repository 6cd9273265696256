// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/skyguard-dev/skyguard/internal/turn"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// sseWriter frames turn events as server-sent events:
//
//	event: <object>
//	data: <event json>
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// httptest.ResponseRecorder flushes; a writer without Flush still gets
	// every event, just buffered.
	flusher, _ := w.(http.Flusher)
	sw := &sseWriter{w: w, flusher: flusher}
	sw.flush()
	return sw
}

func (s *sseWriter) Write(ev turn.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return skyerr.Wrapf(err, skyerr.CodeServerInternalFailure, "encoding %s event", ev.Object)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Object, data); err != nil {
		return skyerr.Wrap(err, skyerr.CodeServerInternalFailure, "writing event")
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// writeProblem answers with an RFC 9457 problem document.
func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&huma.ErrorModel{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

func writeError(w http.ResponseWriter, err error) {
	writeProblem(w, skyerr.HTTPStatus(err), err.Error())
}
