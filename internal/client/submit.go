package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

// Submitter posts run requests to a relay and folds the streamed events
// into a SessionStore.
type Submitter struct {
	BaseURL string
	HTTP    *http.Client
	Store   *SessionStore
	// OnEvent runs after each applied event.
	OnEvent func(schema.SessionID, schema.StreamEvent)
}

// ErrStreamIncomplete reports a stream that ended without a done event.
var ErrStreamIncomplete = errors.New("stream ended before the run finished")

// HTTPError is a non-2xx answer from the relay.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("relay error (%d): %s", e.Status, e.Message)
}

// Submit creates a session for req, streams it to completion and returns
// the session id. A rejected request marks the session as failed.
func (s *Submitter) Submit(ctx context.Context, req schema.RunRequest) (schema.SessionID, error) {
	if s.Store == nil {
		return "", errors.New("session store is required")
	}
	id := s.Store.Create(req)
	s.Store.MarkProvisioning(id)
	err := s.stream(ctx, id, req)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			s.Store.Fail(id, httpErr.Message)
		} else {
			s.Store.Fail(id, err.Error())
		}
	}
	return id, err
}

func (s *Submitter) stream(ctx context.Context, id schema.SessionID, req schema.RunRequest) error {
	log := pslog.Ctx(ctx).With("session", id)
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/api/run"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	client := s.HTTP
	if client == nil {
		client = &http.Client{}
	}
	started := time.Now()
	res, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("submit run: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return readHTTPError(res)
	}
	log.Debug("run accepted", "status", res.StatusCode, "latency_ms", time.Since(started).Milliseconds())

	var splitter LineSplitter
	sawDone := false
	buf := make([]byte, 32*1024)
	for {
		n, rerr := res.Body.Read(buf)
		if n > 0 {
			events, errs := splitter.Feed(buf[:n])
			for _, perr := range errs {
				log.Warn("skipping malformed stream line", "err", perr)
			}
			for _, ev := range events {
				if _, ok := ev.(schema.DoneEvent); ok {
					sawDone = true
				}
				s.apply(id, ev)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read stream: %w", rerr)
		}
	}
	ev, err := splitter.Flush()
	if err != nil {
		log.Warn("skipping malformed stream tail", "err", err)
	} else if ev != nil {
		if _, ok := ev.(schema.DoneEvent); ok {
			sawDone = true
		}
		s.apply(id, ev)
	}
	if !sawDone {
		return ErrStreamIncomplete
	}
	return nil
}

func (s *Submitter) apply(id schema.SessionID, ev schema.StreamEvent) {
	s.Store.Apply(id, ev)
	if s.OnEvent != nil {
		s.OnEvent(id, ev)
	}
}

func readHTTPError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = res.Status
	}
	return &HTTPError{Status: res.StatusCode, Message: msg}
}
