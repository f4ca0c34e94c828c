package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	s.log.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.Shutdown(ctx)
}

// Start prepares the store, opens the listener and serves in the
// background.
func (s *Server) Start() error {
	ctx := s.ctx
	st := s.store

	// Nobody is connected yet, so any user still marked online was left
	// behind by a previous process.
	n, err := st.NonTx().ResetUserStatuses(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("server: reset user statuses: %w", err)
	}
	if n > 0 {
		s.log.Info("reset stale online statuses", "users", n)
	}

	if s.cfg.UsersFile != "" {
		if _, err := LoadUsersFromYAML(ctx, s.cfg.UsersFile, st); err != nil {
			return fmt.Errorf("server: load users: %w", err)
		}
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http serve error", "err", err)
		}
	}()

	s.metrics.StartPeriodicLog(s.log, s.cfg.MetricsInterval, s.ctx.Done())

	s.log.Info("GoChat server running", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully stops the server: it stops accepting requests, closes
// every live session so each user is persisted offline, waits for the
// connection goroutines and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: http shutdown: %w", err))
		}
	}
	s.cancel()
	if err := s.relay.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: close sessions: %w", err))
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: waiting for connections: %w", ctx.Err()))
	}

	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("server: close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
