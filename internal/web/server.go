// Package web serves the read-only status API. There is no control surface:
// the pipeline is configured at start and observed here.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

type Config struct {
	Enable bool
	Listen string
}

// StatusSource supplies the document served at /api/status.
type StatusSource interface {
	Status() any
}

func Handler(src StatusSource) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		b, err := json.MarshalIndent(src.Status(), "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n"))
	})

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{\"ok\":true}\n"))
	})

	return mux
}

// Server runs the HTTP listener in the background; Close shuts it down with
// a short grace period.
type Server struct {
	cfg Config
	srv *http.Server

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewServer(cfg Config, src StatusSource) *Server {
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           Handler(src),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       30 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1 MiB
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || !s.cfg.Enable {
		return nil
	}
	if s.cfg.Listen == "" {
		return fmt.Errorf("web: listen address is empty")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("web: serve %s: %v", s.cfg.Listen, err)
		}
	}()
	return nil
}

func (s *Server) Close() {
	if s == nil || !s.cfg.Enable {
		return
	}
	s.stopOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	})
	s.wg.Wait()
}
