package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"buspro-home/internal/buspro"
	"buspro-home/internal/gateway"
	"buspro-home/internal/sensors"
	"buspro-home/internal/sniffer"
	"buspro-home/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithSniffer enables the sniffer control endpoints.
func WithSniffer(sn *sniffer.Sniffer) ServerOption {
	return func(s *Server) {
		s.sniffer = sn
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP control surface: JSON device and gateway state,
// control endpoints feeding the gateway, sniffer control, and a
// websocket hub streaming state changes.
type Server struct {
	gw             *gateway.Gateway
	devices        store.Store
	sniffer        *sniffer.Sniffer
	wsHub          *eventHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
}

// Event is one websocket state update.
type Event struct {
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// NewServer creates a new web server over the gateway and device store.
func NewServer(gw *gateway.Gateway, devices store.Store, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		gw:      gw,
		devices: devices,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = newEventHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Stream gateway state changes to websocket clients.
	gw.AddLightListener(func(addr buspro.DeviceAddress, st gateway.LightState) {
		s.wsHub.Publish(Event{Type: "light_state", Address: addr.String(), Data: st})
	})
	gw.AddCoverListener(func(addr buspro.DeviceAddress, st gateway.CoverState) {
		s.wsHub.Publish(Event{Type: "cover_state", Address: addr.String(), Data: st})
	})

	s.routes()
	return s
}

// HandleReading broadcasts one decoded sensor reading to websocket
// clients. Wire it alongside the MQTT bridge as a decoder emit target.
func (s *Server) HandleReading(r sensors.Reading) {
	s.wsHub.Publish(Event{Type: "sensor_reading", Address: r.Address.String(), Data: r})
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// REST API
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{addr}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{addr}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{addr}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("POST /api/devices/{addr}/command", s.handleAPICommand)
	s.mux.HandleFunc("POST /api/devices/{addr}/read", s.handleAPIReadStatus)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Sniffer control
	s.mux.HandleFunc("GET /api/sniffer", s.handleAPISnifferStatus)
	s.mux.HandleFunc("POST /api/sniffer/start", s.handleAPISnifferStart)
	s.mux.HandleFunc("POST /api/sniffer/stop", s.handleAPISnifferStop)
	s.mux.HandleFunc("POST /api/sniffer/clear", s.handleAPISnifferClear)
	s.mux.HandleFunc("GET /api/sniffer/recent", s.handleAPISnifferRecent)
	s.mux.HandleFunc("GET /api/sniffer/dump", s.handleAPISnifferDump)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only require API key for /api/ endpoints. The websocket upgrade is
		// not API-key-protected because browsers cannot send custom headers
		// on the upgrade request.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
