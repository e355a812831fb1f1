// Package api implements the HTTP adapter described in §4.5/§6: three
// transactional operations against the store, plus Prometheus metrics
// exposition, following the teacher's stdlib-ServeMux server shape
// (internal/http/server.go) rather than reaching for a router library.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kvsbgp/kvsbgp/internal/store"
)

// KV is the capability this adapter needs from the store: Get for reads,
// Insert/Remove for the two mutating operations, parameterized over the
// deployment's key/value types.
type KV[K comparable, V any] interface {
	Get(key K) (V, bool)
	Insert(key K, value V) (store.Update, error)
	Remove(key K) (store.Update, bool, error)
}

// Server is the HTTP adapter. Outbound is the channel every successful
// mutation's Update is sent on; the sync loop is its sole consumer (§5).
type Server[K comparable, V any] struct {
	srv      *http.Server
	kv       KV[K, V]
	outbound chan<- store.Update
	parseKey func(string) (K, error)
	parseVal func(string) (V, error)
	logger   *zap.Logger
}

// New constructs the API server. parseKey/parseVal convert the URL-path
// segments (already percent-unescaped by net/http) into the deployment's
// key/value types — for the string deployment, the identity function.
func New[K comparable, V any](
	addr string,
	kv KV[K, V],
	outbound chan<- store.Update,
	parseKey func(string) (K, error),
	parseVal func(string) (V, error),
	logger *zap.Logger,
) *Server[K, V] {
	s := &Server[K, V]{
		kv:       kv,
		outbound: outbound,
		parseKey: parseKey,
		parseVal: parseVal,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /get/{key}", s.handleGet)
	mux.HandleFunc("PUT /insert/{key}/{value}", s.handleInsert)
	mux.HandleFunc("DELETE /remove/{key}", s.handleRemove)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Handler exposes the underlying http.Handler so tests can drive it
// directly (e.g. with httptest.NewRecorder) without calling Start.
func (s *Server[K, V]) Handler() http.Handler { return s.srv.Handler }

// Start binds the listener and serves in a background goroutine,
// returning once the listener is bound (so callers can rely on the port
// being live before proceeding), matching the teacher's Start/Shutdown
// split.
func (s *Server[K, V]) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("HTTP API listening", zap.String("addr", s.srv.Addr))
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("HTTP API server error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server[K, V]) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server[K, V]) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Alive!\n")
}

func (s *Server[K, V]) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := s.parseKey(r.PathValue("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	value, ok := s.kv.Get(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%v\n", value)
}

func (s *Server[K, V]) handleInsert(w http.ResponseWriter, r *http.Request) {
	key, err := s.parseKey(r.PathValue("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	value, err := s.parseVal(r.PathValue("value"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upd, err := s.kv.Insert(key, value)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("insert encode failure", zap.Error(err))
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	select {
	case s.outbound <- upd:
	case <-r.Context().Done():
		http.Error(w, "request cancelled", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server[K, V]) handleRemove(w http.ResponseWriter, r *http.Request) {
	key, err := s.parseKey(r.PathValue("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upd, ok, err := s.kv.Remove(key)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("remove encode failure", zap.Error(err))
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	select {
	case s.outbound <- upd:
	case <-r.Context().Done():
		http.Error(w, "request cancelled", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
