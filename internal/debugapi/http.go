package debugapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
)

const healthTimeout = 2 * time.Second

// HTTPServer serves the debug HTTP routes.
type HTTPServer struct {
	svc     *Service
	hub     *Hub
	metrics http.Handler
	log     logging.Logger
	router  *mux.Router
}

// NewHTTPServer wires the routes. hub and metrics may be nil, which leaves
// their routes unregistered.
func NewHTTPServer(svc *Service, hub *Hub, metrics http.Handler, log logging.Logger) *HTTPServer {
	if log == nil {
		log = logging.Noop()
	}
	s := &HTTPServer{
		svc:     svc,
		hub:     hub,
		metrics: metrics,
		log:     log.With(logging.String("component", "debug-http")),
		router:  mux.NewRouter(),
	}
	s.router.Use(s.requestID)
	s.registerGetRoute("/v1/connections", s.handleConnections)
	s.registerGetRoute("/v1/contexts", s.handleContexts)
	s.registerGetRoute("/v1/allowed", s.handleAllowed)
	s.router.Methods(http.MethodPost).Path("/v1/recovery").HandlerFunc(s.handleRecovery)
	s.registerGetRoute("/healthz", s.handleHealth)
	if hub != nil {
		s.router.Methods(http.MethodGet).Path("/v1/events").Handler(hub)
	}
	if metrics != nil {
		s.router.Methods(http.MethodGet).Path("/metrics").Handler(metrics)
	}
	return s
}

func (s *HTTPServer) registerGetRoute(path string, f http.HandlerFunc) {
	s.router.Methods(http.MethodGet).Path(path).HandlerFunc(f)
}

// Handler returns the routes wrapped in otel HTTP instrumentation.
func (s *HTTPServer) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "pdpd-debug",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					return r.Method + " " + tmpl
				}
			}
			return r.Method + " " + r.URL.Path
		}),
	)
}

// requestID tags the request context with an id and a logger, echoing the id
// back to the caller.
func (s *HTTPServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Request-Id"); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, s.log.With(logging.String("path", r.URL.Path)))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		w.Header().Set("X-Request-Id", logging.RequestIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Connections(r.Context())
	s.reply(w, r, view, err)
}

func (s *HTTPServer) handleContexts(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Contexts(r.Context())
	s.reply(w, r, view, err)
}

func (s *HTTPServer) handleAllowed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view, err := s.svc.DataAllowed(r.Context(), q.Get("apn_type"), q.Get("transport"))
	s.reply(w, r, view, err)
}

func (s *HTTPServer) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.TriggerRecovery(r.Context()); err != nil {
		s.reply(w, r, nil, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.svc.Healthy(ctx); err != nil {
		s.reply(w, r, nil, err)
		return
	}
	s.reply(w, r, map[string]string{"status": "ok"}, nil)
}

func (s *HTTPServer) reply(w http.ResponseWriter, r *http.Request, body any, err error) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		code := httpStatus(err)
		logging.LoggerFromContext(ctx, s.log).Warn(ctx, "debug request failed", logging.Int("status", code), logging.Err(err))
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.LoggerFromContext(ctx, s.log).Warn(ctx, "encode response", logging.Err(err))
	}
}
