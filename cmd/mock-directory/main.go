// mock-directory is a stand-in for the external participant directory. It
// serves the same client list contract the relay polls and exposes mutation
// endpoints so local setups can add and remove participants on the fly.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/buerokratt/DMR/pkg/httpx"
	"github.com/buerokratt/DMR/pkg/telemetry"
)

type client struct {
	ID                        string `json:"id"`
	Name                      string `json:"name"`
	AuthenticationCertificate string `json:"authentication_certificate"`
	CreatedAt                 string `json:"created_at"`
	UpdatedAt                 string `json:"updated_at"`
}

type Store struct {
	mu    sync.Mutex
	items map[string]client
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMockDirectory(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func (s *Store) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]client, 0, len(s.items))
	for _, c := range s.items {
		items = append(items, c)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"response": items})
}

func (s *Store) register(w http.ResponseWriter, r *http.Request) {
	var req client
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.Name == "" || req.AuthenticationCertificate == "" {
		httpx.Error(w, 400, "name and authentication_certificate required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	req.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[req.ID]; ok {
		req.CreatedAt = prev.CreatedAt
	} else {
		req.CreatedAt = now
	}
	s.items[req.ID] = req
	httpx.WriteJSON(w, 200, req)
}

func (s *Store) remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		httpx.Error(w, 404, "not found")
		return
	}
	delete(s.items, id)
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted", "id": id})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runMockDirectory(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "mock-directory")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	store := &Store{items: map[string]client{}}
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("mock-directory"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "mock-directory"})
	})
	r.Get("/centops/clients", store.list)
	r.Post("/centops/clients", store.register)
	r.Delete("/centops/clients/{id}", store.remove)

	addr := env("ADDR", ":8085")
	log.Printf("mock-directory listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
