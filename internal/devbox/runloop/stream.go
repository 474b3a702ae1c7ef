package runloop

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"pkt.systems/depsrelay/internal/devbox"
)

// StreamStdout opens the server-sent stdout stream of an execution.
func (c *Client) StreamStdout(ctx context.Context, exec devbox.Execution) (devbox.LogSource, error) {
	endpoint := "/v1/devboxes/" + url.PathEscape(string(exec.DevboxID)) + "/executions/" + url.PathEscape(string(exec.ID)) + "/stream_stdout_updates"
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	res, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream stdout: %w", err)
	}
	if res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		return nil, fmt.Errorf("stream stdout: %w", readAPIError(res))
	}
	return &sseSource{body: res.Body, reader: bufio.NewReaderSize(res.Body, 64*1024)}, nil
}

// sseSource decodes `data:` frames carrying {"output","offset"} payloads.
type sseSource struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

// Next returns the next non-empty output fragment.
func (s *sseSource) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	var data bytes.Buffer
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				s.done = true
				if data.Len() > 0 {
					out, derr := s.decode(data.Bytes())
					if derr != nil || out != "" {
						return out, derr
					}
				}
				return "", io.EOF
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			out, derr := s.decode(data.Bytes())
			data.Reset()
			if derr != nil {
				return "", derr
			}
			if out == "" {
				continue
			}
			return out, nil
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *sseSource) decode(payload []byte) (string, error) {
	var update stdoutUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return "", fmt.Errorf("decode stdout update: %w", err)
	}
	return update.Output, nil
}

// Close releases the underlying response body.
func (s *sseSource) Close() error {
	s.done = true
	return s.body.Close()
}
