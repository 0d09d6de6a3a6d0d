package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/singlestore-labs/iapprofile/iap/audience"
	"github.com/singlestore-labs/iapprofile/internal/fakeiap"
)

// Config holds the test server configuration
type Config struct {
	Port             int
	KeyID            string
	NumericProjectID string
	ProjectID        string
	PhotoURL         string
	APIKey           string
	TokenExpiry      time.Duration
	FailMetadata     bool
	FailKeys         bool
	Verbose          bool
}

// Server fakes the three upstreams of the identity page: the IAP key
// endpoint, the GCE metadata server, and the People API.
type Server struct {
	config     Config
	broker     *fakeiap.Broker
	mu         sync.Mutex // guards requestLog and listener
	requestLog []RequestInfo
	listener   net.Listener
}

// RequestInfo captures details about incoming requests
type RequestInfo struct {
	Time   time.Time `json:"time"`
	Method string    `json:"method"`
	Path   string    `json:"path"`
	Query  string    `json:"query,omitempty"`
}

func main() {
	config := parseFlags()

	srv, err := NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Run(context.Background()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func parseFlags() Config {
	config := Config{}

	flag.IntVar(&config.Port, "port", 8081, "Port to listen on (0 picks a free port)")
	flag.StringVar(&config.KeyID, "key-id", "fake-iap-key", "kid of the signing key")
	flag.StringVar(&config.NumericProjectID, "numeric-project-id", "123456789012", "Numeric project id served by the metadata endpoint")
	flag.StringVar(&config.ProjectID, "project-id", "demo-project", "Project id served by the metadata endpoint")
	flag.StringVar(&config.PhotoURL, "photo-url", "https://lh3.googleusercontent.com/a/default-user", "Photo URL returned for every person")
	flag.StringVar(&config.APIKey, "api-key", "", "People API key to require (any key accepted if empty)")
	flag.DurationVar(&config.TokenExpiry, "token-expiry", time.Hour, "Lifetime of minted assertions")
	flag.BoolVar(&config.FailMetadata, "fail-metadata", false, "Answer metadata requests with 503")
	flag.BoolVar(&config.FailKeys, "fail-keys", false, "Answer key requests with 503")
	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")

	flag.Parse()
	return config
}

// NewServer creates a new test server with a fresh signing key
func NewServer(config Config) (*Server, error) {
	if config.KeyID == "" {
		config.KeyID = "fake-iap-key"
	}
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = time.Hour
	}
	broker, err := fakeiap.NewBroker(config.KeyID)
	if err != nil {
		return nil, fmt.Errorf("error creating broker: %w", err)
	}
	return &Server{
		config:     config,
		broker:     broker,
		requestLog: make([]RequestInfo, 0),
	}, nil
}

// Audience returns the audience that minted assertions are addressed to
// by default. It matches what the metadata endpoints resolve to.
func (s *Server) Audience() string {
	return audience.Format(s.config.NumericProjectID, s.config.ProjectID)
}

// Handler returns the router serving every fake endpoint
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.recordRequest)

	r.Get("/jwk", s.handleKeys)
	r.Get("/mint", s.handleMint)
	r.Route("/computeMetadata/v1", func(r chi.Router) {
		r.Get("/project/numeric-project-id", s.handleMetadata(func() string { return s.config.NumericProjectID }))
		r.Get("/project/project-id", s.handleMetadata(func() string { return s.config.ProjectID }))
	})
	r.Get("/v1/people/{id}", s.handlePerson)
	r.Get("/info/requests", s.handleRequestLog)
	r.Get("/health", s.handleHealth)
	return r
}

// Run starts the test server
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	actualPort := listener.Addr().(*net.TCPAddr).Port
	log.Printf("Starting fake IAP server on port %d", actualPort)

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Serve(listener)
	}()

	go func() {
		<-ctx.Done()
		log.Printf("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.waitReady(ctx, actualPort, serverErr); err != nil {
		return err
	}

	base := fmt.Sprintf("http://localhost:%d", actualPort)
	serverInfo := map[string]interface{}{
		"server_info": map[string]interface{}{
			"port":     actualPort,
			"audience": s.Audience(),
			"endpoints": map[string]string{
				"keys":     base + "/jwk",
				"mint":     base + "/mint?email=:email&sub=:sub",
				"metadata": fmt.Sprintf("localhost:%d", actualPort),
				"people":   base + "/",
				"requests": base + "/info/requests",
				"health":   base + "/health",
			},
			"env": map[string]string{
				"IAP_KEYS_URL":      base + "/jwk",
				"GCE_METADATA_HOST": fmt.Sprintf("localhost:%d", actualPort),
				"PEOPLE_ENDPOINT":   base + "/",
			},
		},
	}
	jsonInfo, err := json.MarshalIndent(serverInfo, "", "  ")
	if err != nil {
		log.Printf("Warning: Failed to marshal server info to JSON: %v", err)
	} else {
		fmt.Println(string(jsonInfo))
	}

	err = <-serverErr
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// waitReady polls the health endpoint until the server answers
func (s *Server) waitReady(ctx context.Context, port int, serverErr <-chan error) error {
	client := &http.Client{Timeout: 5 * time.Second}
	healthURL := fmt.Sprintf("http://localhost:%d/health", port)

	probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer probeCancel()

	for {
		select {
		case err := <-serverErr:
			return fmt.Errorf("server failed to start: %w", err)
		case <-probeCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("timeout waiting for server to be ready")
		default:
		}

		reqCtx, reqCancel := context.WithTimeout(probeCtx, 500*time.Millisecond)
		req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
		resp, err := client.Do(req)
		reqCancel()
		if resp != nil {
			_ = resp.Body.Close()
		}
		if err == nil && resp.StatusCode == http.StatusOK {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// GetPort returns the actual port the server is listening on
func (s *Server) GetPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" && r.URL.Path != "/info/requests" {
			s.mu.Lock()
			s.requestLog = append(s.requestLog, RequestInfo{
				Time:   time.Now(),
				Method: r.Method,
				Path:   r.URL.Path,
				Query:  r.URL.RawQuery,
			})
			s.mu.Unlock()
			if s.config.Verbose {
				log.Printf("Received request: %s %s", r.Method, r.URL)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if s.config.FailKeys {
		http.Error(w, "keys unavailable", http.StatusServiceUnavailable)
		return
	}
	s.broker.ServeHTTP(w, r)
}

// handleMint signs an assertion for the email and sub query parameters.
// aud defaults to Audience().
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sub := q.Get("sub")
	if sub == "" {
		http.Error(w, "sub is required", http.StatusBadRequest)
		return
	}
	aud := q.Get("aud")
	if aud == "" {
		aud = s.Audience()
	}
	now := time.Now()
	token, err := s.broker.Mint(fakeiap.Assertion{
		Email:     q.Get("email"),
		Subject:   sub,
		Audience:  aud,
		Issuer:    q.Get("iss"),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.TokenExpiry),
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error minting assertion: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(token))
}

func (s *Server) handleMetadata(value func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Metadata-Flavor", "Google")
		if r.Header.Get("Metadata-Flavor") != "Google" {
			http.Error(w, "Missing required header \"Metadata-Flavor\": \"Google\"", http.StatusForbidden)
			return
		}
		if s.config.FailMetadata {
			http.Error(w, "metadata unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/text")
		_, _ = w.Write([]byte(value()))
	}
}

func (s *Server) handlePerson(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.config.APIKey != "" && r.URL.Query().Get("key") != s.config.APIKey {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"API key not valid. Please pass a valid API key.","status":"PERMISSION_DENIED"}}`))
		return
	}
	id := chi.URLParam(r, "id")
	person := map[string]interface{}{
		"resourceName": "people/" + id,
		"photos": []map[string]interface{}{
			{"url": s.config.PhotoURL, "default": true},
		},
	}
	_ = json.NewEncoder(w).Encode(person)
}

func (s *Server) handleRequestLog(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	requests := append([]RequestInfo(nil), s.requestLog...)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(requests)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
		"config": map[string]interface{}{
			"port":         s.config.Port,
			"keyID":        s.config.KeyID,
			"failMetadata": s.config.FailMetadata,
			"failKeys":     s.config.FailKeys,
		},
	})
}
