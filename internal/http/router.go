package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/conneroisu/hotwatch/internal/logging"
)

// Health is the body served on /health.
type Health struct {
	Status      string    `json:"status"`
	Version     string    `json:"version"`
	Uptime      string    `json:"uptime"`
	BusVersion  uint64    `json:"bus_version"`
	Runs        int64     `json:"runs"`
	Connections int64     `json:"connections"`
	Timestamp   time.Time `json:"timestamp"`
}

// HealthFunc reports the current server state.
type HealthFunc func() Health

// RouterConfig configures NewRouter.
type RouterConfig struct {
	ServeDir       string
	AllowedOrigins []string
	InjectReload   bool
}

// NewRouter returns the handler for ordinary requests: /health plus static
// files rooted at ServeDir, behind CORS.
func NewRouter(cfg RouterConfig, health HealthFunc, logger logging.Logger) http.Handler {
	logger = logger.WithComponent("http")

	r := mux.NewRouter()
	r.HandleFunc("/health", handleHealth(health, logger)).Methods(http.MethodGet, http.MethodHead)
	r.PathPrefix("/").Handler(&staticHandler{
		root:   http.Dir(cfg.ServeDir),
		inject: cfg.InjectReload,
		logger: logger,
	})

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
		MaxAge:         300,
	})
	return c.Handler(r)
}

func handleHealth(health HealthFunc, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response, err := json.MarshalIndent(health(), "", "  ")
		if err != nil {
			logger.Error(r.Context(), err, "Failed to encode health response")
			http.Error(w, "Failed to marshal health status", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(response)
	}
}

// staticHandler serves files with http.ServeContent, which provides MIME
// detection, byte ranges and conditional requests. Directories serve their
// index.html, with the reload script injected when enabled.
type staticHandler struct {
	root   http.Dir
	inject bool
	logger logging.Logger
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := path.Clean("/" + r.URL.Path)
	f, info, err := h.open(name)
	if err != nil {
		h.fail(w, r, name, err)
		return
	}
	defer f.Close()

	if !info.IsDir() {
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
		return
	}

	index, indexInfo, err := h.open(path.Join(name, "index.html"))
	if err != nil || indexInfo.IsDir() {
		h.fail(w, r, name, os.ErrNotExist)
		return
	}
	defer index.Close()

	if !h.inject {
		http.ServeContent(w, r, "index.html", indexInfo.ModTime(), index)
		return
	}

	data, err := io.ReadAll(index)
	if err != nil {
		h.fail(w, r, name, err)
		return
	}
	data, _ = InjectReload(data, ReloadSnippet())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, "index.html", indexInfo.ModTime(), bytes.NewReader(data))
}

func (h *staticHandler) open(name string) (http.File, os.FileInfo, error) {
	f, err := h.root.Open(name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

func (h *staticHandler) fail(w http.ResponseWriter, r *http.Request, name string, err error) {
	switch {
	case os.IsNotExist(err):
		http.NotFound(w, r)
	case os.IsPermission(err):
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		h.logger.Warn(r.Context(), err, "Failed to serve file", "path", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
