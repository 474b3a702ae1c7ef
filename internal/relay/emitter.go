package relay

import (
	"io"
	"net/http"
	"sync"

	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

// Emitter writes stream events as newline-delimited JSON, flushing after
// each one. After the first write failure it drops everything.
type Emitter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     pslog.Logger
	broken  bool
	done    bool
}

// NewEmitter wraps w. When w is an http.Flusher every event is flushed.
func NewEmitter(w io.Writer, log pslog.Logger) *Emitter {
	e := &Emitter{w: w, log: log}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Status emits a status event.
func (e *Emitter) Status(message string) { e.emit(schema.StatusEvent{Message: message}) }

// Chunk emits a chunk event.
func (e *Emitter) Chunk(data string) { e.emit(schema.ChunkEvent{Data: data}) }

// Error emits an error event.
func (e *Emitter) Error(message string) { e.emit(schema.ErrorEvent{Message: message}) }

// Done emits the terminating done event. Later calls are ignored.
func (e *Emitter) Done() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	e.mu.Unlock()
	e.emit(schema.DoneEvent{})
}

// Broken reports whether a write to the client failed.
func (e *Emitter) Broken() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broken
}

func (e *Emitter) emit(ev schema.StreamEvent) {
	line, err := schema.EncodeEvent(ev)
	if err != nil {
		if e.log != nil {
			e.log.Error("encode stream event failed", "type", ev.Type(), "err", err)
		}
		return
	}
	line = append(line, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broken {
		return
	}
	if _, err := e.w.Write(line); err != nil {
		e.broken = true
		if e.log != nil {
			e.log.Info("stream client gone; dropping further events", "err", err)
		}
		return
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
}
