// Package httpapi serves the run relay and its web UI.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"sync/atomic"

	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/internal/logx"
	"pkt.systems/depsrelay/internal/relay"
	"pkt.systems/depsrelay/internal/version"
	"pkt.systems/depsrelay/schema"
)

const defaultMaxBodyBytes = 64 * 1024

// Server serves the HTTP API and UI.
type Server struct {
	cfg       Config
	validator *relay.Validator
	relay     *relay.Relay
	factory   devbox.Factory
	basePath  string
	baseHref  string
	active    atomic.Int64
}

// NewServer constructs an HTTP server. factory is called once per accepted
// run, after validation.
func NewServer(cfg Config, validator *relay.Validator, rly *relay.Relay, factory devbox.Factory) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		cfg:       cfg,
		validator: validator,
		relay:     rly,
		factory:   factory,
		basePath:  normalizeBasePath(cfg.BasePath),
		baseHref:  buildBaseHref(cfg.BaseURL, cfg.BasePath),
	}
}

// ActiveRuns returns the number of streams in flight.
func (s *Server) ActiveRuns() int64 { return s.active.Load() }

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assetsFS))))
	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/options", s.handleOptions)
	mux.HandleFunc("/healthz", s.handleHealth)

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data, err := fs.ReadFile(assetsFS, "index.html")
	if err != nil {
		http.Error(w, "index not found", http.StatusInternalServerError)
		return
	}
	stat, err := fs.Stat(assetsFS, "index.html")
	if err != nil {
		http.Error(w, "index not found", http.StatusInternalServerError)
		return
	}
	data = applyBaseHref(data, s.baseHref)
	http.ServeContent(w, r, "index.html", stat.ModTime(), bytes.NewReader(data))
}

const baseHrefPlaceholder = "<!-- BASE_HREF -->"

func applyBaseHref(data []byte, baseHref string) []byte {
	replacement := ""
	if strings.TrimSpace(baseHref) != "" {
		replacement = fmt.Sprintf(`<base href="%s" />`, html.EscapeString(baseHref))
	}
	return bytes.ReplaceAll(data, []byte(baseHrefPlaceholder), []byte(replacement))
}

// handleRun validates the request, obtains a provider with a fresh
// credential and streams the run as ndjson.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	log := logx.Ctx(r.Context())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return
		}
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	req, err := s.validator.Validate(body)
	if err != nil {
		log.Info("run rejected", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	provider, err := s.factory(r.Context())
	if err != nil {
		log.Error("devbox provider unavailable", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}

	w.Header().Set("Content-Type", relay.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.active.Add(1)
	defer s.active.Add(-1)
	log.Info("run accepted", "agent", req.Agent.Name, "repo", req.Repo.String(), "provider", provider.Name())
	_ = s.relay.Stream(r.Context(), w, provider, req)
}

type optionsPayload struct {
	Agents []string       `json:"agents"`
	Model  schema.ModelID `json:"model"`
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, optionsPayload{Agents: s.validator.Agents(), Model: s.validator.Model()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"active_runs": s.active.Load(),
		"version":     version.Current(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func normalizeBasePath(value string) string {
	path := strings.Trim(strings.TrimSpace(value), "/")
	if path == "" {
		return ""
	}
	return "/" + path
}

func buildBaseHref(baseURL, basePath string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/") + normalizeBasePath(basePath)
	if base == "" {
		return ""
	}
	return base + "/"
}
