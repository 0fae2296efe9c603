package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"bpgateway/config"
	"bpgateway/errors"
	"bpgateway/http/handlers"
	apxmiddlewares "bpgateway/http/middleware"
	apxresp "bpgateway/http/response"
	"bpgateway/logger"
	"bpgateway/services/monitoring"
	"bpgateway/utils/helpers"
)

// Server wires the gateway's route table onto chi, reusing the teacher's
// middleware chain and typed-error response adapter verbatim.
type Server struct {
	Logger  *zap.Logger
	Conf    *config.Config
	Gateway *handlers.GatewayHandler
	Health  http.Handler
}

func NewServer(conf *config.Config, gateway *handlers.GatewayHandler, health http.Handler, log *zap.Logger) *Server {
	return &Server{
		Conf:    conf,
		Gateway: gateway,
		Health:  health,
		Logger:  log,
	}
}

// Handler builds spec.md §4.E's full route table, middleware included.
// Split out of Listen so tests can drive it with httptest without
// binding a real socket.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apxmiddlewares.NewLoggerWithMetrics(s.Logger, &apxmiddlewares.Opts{
		WithReferer:   false,
		WithUserAgent: false,
	}))
	r.Use(middleware.Recoverer)
	r.Use(apxmiddlewares.EnabCors(s.Conf.Cors.AllowedOrigins))

	if s.Health != nil {
		r.Get("/health", s.Health.ServeHTTP)
	}
	r.Get("/metrics", monitoring.PrometheusHandler())

	r.Post("/browser", s.ToHTTPHandlerFunc(s.Gateway.AllocateBrowser))
	r.Delete("/browser/{id}", s.ToHTTPHandlerFunc(s.Gateway.DeallocateBrowser))
	r.Post("/browser/{id}/timeout", s.ToHTTPHandlerFunc(s.Gateway.ExtendBrowserTimeout))
	r.Get("/browsers", s.ToHTTPHandlerFunc(s.Gateway.ListBrowsers))
	r.HandleFunc("/session/{id}", s.Gateway.ServeSession)
	r.HandleFunc("/session/{id}/*", s.Gateway.ServeSession)
	r.NotFound(handlers.NotFound)
	return r
}

// Listen serves Handler() until ctx is cancelled, then drains in-flight
// requests within the shutdown grace period.
func (s *Server) Listen(ctx context.Context, addr string) error {
	errch := make(chan error, 1)
	server := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		logger.Info("Starting server", zap.String("addr", addr))
		errch <- server.ListenAndServe()
	}()

	select {
	case err := <-errch:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) ToHTTPHandlerFunc(handler func(w http.ResponseWriter, r *http.Request) (any, int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response, status, err := handler(w, r)
		if err != nil {
			switch err := err.(type) {
			case *errors.Error:
				helpers.PrintStruct(err)
				apxresp.RespondError(w, err)
			default:
				s.Logger.Error("internal error", zap.Error(err))
				apxresp.RespondMessage(w, http.StatusInternalServerError, "internal error")
			}
			return
		}
		if response != nil {
			apxresp.RespondJSON(w, status, response)
		}
		if status >= 100 && status < 600 {
			w.WriteHeader(status)
		}
	}
}
