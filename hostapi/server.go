package hostapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/ruteri/tdx-cvm-manager/storage"
	"go.uber.org/atomic"
)

type State int32

const (
	StateIdle State = iota
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var errNotIdle = errors.New("broker already started")

// Server is the Sealing-Key Broker: an HTTP service the guest reaches through
// the VM's user-mode network gateway.
type Server struct {
	cfg   ServerConfig
	log   *slog.Logger
	state atomic.Int32

	handler  *Handler
	srv      *http.Server
	listener net.Listener
}

func New(cfg ServerConfig, provider interfaces.KeyProvider) *Server {
	cfg = cfg.withDefaults()

	srv := &Server{
		cfg:     cfg,
		log:     cfg.Log,
		handler: NewHandler(provider, storage.NewInstanceDir(cfg.InstanceDir, cfg.Log), cfg.MaxBodySize, cfg.Log, cfg.Metrics),
	}
	srv.srv = &http.Server{
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(srv.httpLogger, srv.observe)
	srv.handler.RegisterRoutes(mux)

	mux.NotFound(handleNotFound)
	mux.MethodNotAllowed(handleNotFound)
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		srv.cfg.Metrics.ObserveRequest(route, ww.Status())
	})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeNull(w, http.StatusNotFound)
}

func (srv *Server) State() State {
	return State(srv.state.Load())
}

// ShutdownTimeout is the time Shutdown callers should allow for in-flight
// requests to finish.
func (srv *Server) ShutdownTimeout() time.Duration {
	return srv.cfg.GracefulShutdownDuration
}

// Start binds the listener and returns the bound port. The broker accepts
// connections once Serve is called.
func (srv *Server) Start() (int, error) {
	if !srv.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) {
		return 0, errNotIdle
	}

	l, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		srv.state.Store(int32(StateStopped))
		return 0, fmt.Errorf("%w: binding %s: %w", interfaces.ErrBrokerIO, srv.cfg.ListenAddr, err)
	}
	srv.listener = l

	port := l.Addr().(*net.TCPAddr).Port
	srv.log.Info("Sealing key broker listening", "listenAddress", l.Addr().String(), "keyProvider", srv.cfg.KeyProviderAddr)
	return port, nil
}

// Serve blocks until Shutdown.
func (srv *Server) Serve() error {
	if srv.listener == nil {
		return errors.New("broker not started")
	}
	if err := srv.srv.Serve(srv.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		srv.log.Error("Broker failed", "err", err)
		return err
	}
	return nil
}

func (srv *Server) Shutdown(ctx context.Context) error {
	prev := State(srv.state.Swap(int32(StateStopped)))
	if prev != StateListening {
		return nil
	}

	err := srv.srv.Shutdown(ctx)
	// Serve may never have taken ownership of the listener.
	if srv.listener != nil {
		srv.listener.Close()
	}
	if err != nil {
		srv.log.Error("Graceful broker shutdown failed", "err", err)
		return err
	}
	srv.log.Info("Broker gracefully stopped")
	return nil
}
