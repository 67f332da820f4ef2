package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MimeLyc/modpack-downloader/internal/config"
	"github.com/MimeLyc/modpack-downloader/internal/jobs"
	"github.com/MimeLyc/modpack-downloader/internal/source"
)

type searcher interface {
	Search(ctx context.Context, params source.SearchParams) (json.RawMessage, error)
}

type historyReader interface {
	ListJobs(ctx context.Context, limit int) ([]jobs.Summary, error)
	GetJob(ctx context.Context, id string) (jobs.Summary, bool, error)
}

type settingsController interface {
	RuntimeSettings() config.RuntimeSettings
	ApplyRuntimeSettings(settings config.RuntimeSettings) error
}

type Server struct {
	runner   *jobs.Runner
	registry *jobs.Registry
	hub      *jobs.Hub
	search   searcher
	history  historyReader
	settings settingsController

	uploadDir      string
	downloadsDir   string
	maxUploadBytes int64
	sinkBuffer     int
	keepAlive      time.Duration

	rateRPS     float64
	rateBurst   int
	corsOrigins []string

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithSearch(search searcher) Option {
	return func(s *Server) {
		s.search = search
	}
}

func WithHistory(history historyReader) Option {
	return func(s *Server) {
		s.history = history
	}
}

func WithSettings(settings settingsController) Option {
	return func(s *Server) {
		s.settings = settings
	}
}

// WithDirs sets where uploads are staged and where artifacts are served from.
func WithDirs(uploadDir, downloadsDir string) Option {
	return func(s *Server) {
		s.uploadDir = uploadDir
		s.downloadsDir = downloadsDir
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		s.maxUploadBytes = n
	}
}

func WithSinkBuffer(n int) Option {
	return func(s *Server) {
		s.sinkBuffer = n
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		s.keepAlive = d
	}
}

// WithRateLimit enables per-client request limiting; rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func WithCORS(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

func NewServer(runner *jobs.Runner, registry *jobs.Registry, hub *jobs.Hub, opts ...Option) *Server {
	s := &Server{
		runner:         runner,
		registry:       registry,
		hub:            hub,
		uploadDir:      "uploads",
		downloadsDir:   "downloads",
		maxUploadBytes: 1 << 20,
		sinkBuffer:     64,
		keepAlive:      15 * time.Second,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	handler := http.Handler(s.mux)
	if s.rateRPS > 0 {
		handler = RateLimit(s.rateRPS, s.rateBurst)(handler)
	}
	if len(s.corsOrigins) > 0 {
		handler = CORS(s.corsOrigins)(handler)
	}
	handler = Trace(handler)
	handler = RequestID(handler)
	return handler
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

const apiPrefix = "/api/download-mods"

func (s *Server) routes() {
	s.mux.HandleFunc(apiPrefix+"/upload-mods", s.handleUpload)
	s.mux.HandleFunc(apiPrefix+"/jobs", s.handleSubmit)
	s.mux.HandleFunc(apiPrefix+"/jobs/", s.handleJob)
	s.mux.HandleFunc(apiPrefix+"/progress/", s.handleProgress)
	s.mux.HandleFunc(apiPrefix+"/results/", s.handleResults)
	s.mux.HandleFunc(apiPrefix+"/history", s.handleHistory)
	s.mux.HandleFunc("/api/search-mods", s.handleSearch)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/downloads/", http.StripPrefix("/downloads/", s.downloads()))
}

// downloads serves artifact files. Directory listings are not exposed.
func (s *Server) downloads() http.Handler {
	files := http.FileServer(http.Dir(s.downloadsDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}

// pathID returns the single path segment after prefix.
func pathID(r *http.Request, prefix string) string {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	id = strings.Trim(id, "/")
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}
