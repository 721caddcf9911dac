package studifyserver

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	metricsprom "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"

	"github.com/studify-ai/studify/pkg/api"
	"github.com/studify-ai/studify/pkg/db"
	"github.com/studify-ai/studify/pkg/gateway"
	"github.com/studify-ai/studify/pkg/history"
	"github.com/studify-ai/studify/pkg/identity"
)

const (
	// MaxChatRequestBytes bounds a chat request, which may carry an image as a data URI.
	MaxChatRequestBytes = 20 << 20
	maxFormBytes        = 1 << 20
	maxTurnsLimit       = 100
)

// httpMetrics records request metrics for the JSON routes. The streaming chat
// route is left out since the recorder wraps the response writer.
var httpMetrics = middleware.New(middleware.Config{
	Recorder: metricsprom.NewRecorder(metricsprom.Config{Prefix: "studify"}),
})

func NewServer(
	listenAddr string,
	dbClient *db.DB,
	store history.Store,
	identityService *identity.Service,
	chatGateway *gateway.Gateway,
	staticDir string,
) *Server {
	return &Server{
		listenAddr: listenAddr,
		db:         dbClient,
		store:      store,
		identity:   identityService,
		gateway:    chatGateway,
		staticDir:  staticDir,
	}
}

type Server struct {
	listenAddr string
	db         *db.DB
	store      history.Store
	identity   *identity.Service
	gateway    *gateway.Gateway
	staticDir  string
	httpServer *http.Server
}

func failureResponse(w http.ResponseWriter, code int, message string) {
	api.RespondWithJSON(code, w, map[string]interface{}{
		"code":    code,
		"message": message,
		// the web client displays detail
		"detail": message,
	})
}

func (s *Server) jsonHealthReport(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		log.WithError(err).Error("database health check failed")
		api.RespondWithJSON(http.StatusServiceUnavailable, w, map[string]string{"status": "database unavailable"})
		return
	}
	api.RespondWithJSON(http.StatusOK, w, map[string]string{"status": "ok"})
}

// Handler builds the router for every route the server exposes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	instrumented := func(id string, h http.HandlerFunc) http.Handler {
		return std.Handler(id, httpMetrics, h)
	}

	r.HandleFunc("/api/chat", s.chat).Methods(http.MethodPost)
	r.Handle("/api/chat/sessions/{session}/turns",
		instrumented("/api/chat/sessions/turns", s.jsonSessionTurns)).Methods(http.MethodGet)
	r.Handle("/api/health", instrumented("/api/health", s.jsonHealthReport)).Methods(http.MethodGet)

	r.Handle("/register", instrumented("/register", s.jsonRegister)).Methods(http.MethodPost)
	r.Handle("/token", instrumented("/token", s.jsonToken)).Methods(http.MethodPost)
	r.Handle("/users/me", instrumented("/users/me", s.jsonCurrentUser)).Methods(http.MethodGet)

	if s.staticDir != "" {
		r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))))
		r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
			http.ServeFile(w, req, filepath.Join(s.staticDir, "index.html"))
		}).Methods(http.MethodGet)
	}

	return r
}

// Serve listens until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	if s.staticDir != "" {
		if _, err := os.Stat(filepath.Join(s.staticDir, "index.html")); err != nil {
			log.WithError(err).Warn("static directory has no index.html")
		}
	}

	s.httpServer = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Serving on %s", s.listenAddr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) GetHTTPServer() *http.Server {
	return s.httpServer
}
