// Package health serves the liveness endpoint and runs the keepalive
// self-ping that stops free-tier hosting from idling the process out.
package health

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"qibot/pkg/logx"
)

const (
	selfPingHeader = "X-Qibot-Self-Ping"
	selfPingUA     = "qibot-self-ping/1"
)

type Server struct {
	log  logx.Logger
	addr string
	srv  *http.Server
}

func NewServer(addr string, log logx.Logger) *Server {
	return &Server{
		log:  log.With(logx.String("component", "health")),
		addr: addr,
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/healthz", s.handle)

	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("health server exited", logx.Err(err))
		}
	}()
	s.log.Info("health server listening", logx.String("addr", s.addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte("ok"))
	}

	origin := "ext"
	if isSelfPing(r) {
		origin = "self"
	}
	s.log.Debug("probe",
		logx.String("origin", origin),
		logx.String("method", r.Method),
		logx.String("path", r.URL.Path),
		logx.String("ip", r.RemoteAddr),
		logx.String("ua", r.UserAgent()))
}

func isSelfPing(r *http.Request) bool {
	return r.Header.Get(selfPingHeader) == "1" ||
		r.URL.Query().Get("sp") == "1" ||
		strings.Contains(r.UserAgent(), selfPingUA)
}
