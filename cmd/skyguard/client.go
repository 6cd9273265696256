// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/turn"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const defaultAddr = "127.0.0.1:8080"

// defaultHTTPClient is used for short JSON requests. Overridden in tests.
var defaultHTTPClient = &http.Client{
	Timeout: 5 * time.Second,
}

// streamHTTPClient has no overall timeout; a turn lasts as long as the
// agent and the guardrail take.
var streamHTTPClient = &http.Client{}

// apiClient talks to a running skyguard server.
type apiClient struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

// newAPIClient targets addr, a host:port or a full base URL.
func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		http:    defaultHTTPClient,
		stream:  streamHTTPClient,
	}
}

// getJSON performs a GET request and decodes the JSON response into dest.
func (c *apiClient) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return skyerr.Wrap(err, skyerr.CodeCLIRequestFailure, "building request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return requestError(err, c.baseURL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return skyerr.Wrap(err, skyerr.CodeCLIResponseInvalid, "invalid response")
	}
	return nil
}

// streamRequest is one chat submission.
type streamRequest struct {
	ThreadID     string
	Content      string
	Validation   bool
	Intermediate bool
}

// streamEvent is a decoded SSE frame. Exactly one of Run and Message is set.
type streamEvent struct {
	Object  turn.EventObject
	Run     *turn.Run
	Message *store.Message
}

// streamTurn posts one message and calls fn for every event until the
// terminal one. An error from fn stops reading and closes the stream.
func (c *apiClient) streamTurn(ctx context.Context, sr streamRequest, fn func(streamEvent) error) error {
	body, err := json.Marshal(map[string]string{"thread_id": sr.ThreadID, "content": sr.Content})
	if err != nil {
		return skyerr.Wrap(err, skyerr.CodeCLIRequestFailure, "encoding request")
	}
	q := url.Values{}
	q.Set("validation_enabled", strconv.FormatBool(sr.Validation))
	q.Set("stream_intermediate_messages", strconv.FormatBool(sr.Intermediate))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agent/stream?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return skyerr.Wrap(err, skyerr.CodeCLIRequestFailure, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return requestError(err, c.baseURL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return readEvents(resp.Body, fn)
}

// readEvents parses "event:"/"data:" frames separated by blank lines.
func readEvents(r io.Reader, fn func(streamEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			ev, err := decodeEvent([]byte(data.String()))
			data.Reset()
			if err != nil {
				return err
			}
			if err := fn(ev); err != nil {
				return err
			}
			if ev.Object == turn.ObjectRunCompleted || ev.Object == turn.ObjectRunFailed {
				return nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// event: lines repeat the object carried in data; comments are ignored.
	}
	if err := sc.Err(); err != nil {
		return skyerr.Wrap(err, skyerr.CodeCLIResponseInvalid, "reading event stream")
	}
	return skyerr.New(skyerr.CodeCLIResponseInvalid, "event stream ended before the run finished")
}

func decodeEvent(raw []byte) (streamEvent, error) {
	var frame struct {
		Object turn.EventObject `json:"object"`
		Data   json.RawMessage  `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return streamEvent{}, skyerr.Wrap(err, skyerr.CodeCLIResponseInvalid, "decoding event")
	}

	ev := streamEvent{Object: frame.Object}
	switch frame.Object {
	case turn.ObjectMessage:
		ev.Message = &store.Message{}
		if err := json.Unmarshal(frame.Data, ev.Message); err != nil {
			return streamEvent{}, skyerr.Wrap(err, skyerr.CodeCLIResponseInvalid, "decoding message event")
		}
	case turn.ObjectRunInProgress, turn.ObjectRunCompleted, turn.ObjectRunFailed:
		ev.Run = &turn.Run{}
		if err := json.Unmarshal(frame.Data, ev.Run); err != nil {
			return streamEvent{}, skyerr.Wrap(err, skyerr.CodeCLIResponseInvalid, "decoding run event")
		}
	default:
		return streamEvent{}, skyerr.Errorf(skyerr.CodeCLIResponseInvalid, "unknown event %q", frame.Object)
	}
	return ev, nil
}

func requestError(err error, base string) error {
	if isDialError(err) {
		return skyerr.Wrapf(err, skyerr.CodeCLIServerNotRunning, "skyguard is not running at %s (run 'skyguard serve')", base)
	}
	return skyerr.Wrap(err, skyerr.CodeCLIRequestFailure, "request failed")
}

// statusError surfaces the problem detail of a non-200 response.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var problem huma.ErrorModel
	if json.Unmarshal(body, &problem) == nil && problem.Detail != "" {
		return skyerr.Errorf(skyerr.CodeCLIRequestFailure, "server returned %d: %s", resp.StatusCode, problem.Detail)
	}
	return skyerr.Errorf(skyerr.CodeCLIRequestFailure, "server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
