// Package server exposes the session over HTTP and streams its reports to
// WebSocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpslink/internal/config"
	"github.com/shaunagostinho/gpslink/internal/session"
)

// StatusSource provides the session state for /api/status.
type StatusSource interface {
	Snapshot() session.Snapshot
}

// Server serves the status API and broadcasts reports to WebSocket clients.
// It is a session.Sink.
type Server struct {
	cfg    *config.Config
	status StatusSource
	log    logrus.FieldLogger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Distance travelled since start or the last trip reset
	odoMu        sync.Mutex
	odoTotal     float64 // km
	odoTrip      float64 // km
	lastGPSLat   float64
	lastGPSLon   float64
	lastGPSValid bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Report *session.Report   `json:"report,omitempty"`
	Status *session.Snapshot `json:"status,omitempty"`
	Odo    *OdoData          `json:"odo,omitempty"`
	Stamp  int64             `json:"stamp"` // Unix ms
}

// OdoData is the odometer info sent to clients.
type OdoData struct {
	Total float64 `json:"total"` // km
	Trip  float64 `json:"trip"`  // km
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Session session.Snapshot `json:"session"`
	Odo     OdoData          `json:"odo"`
	Clients int              `json:"clients"`
	Stamp   int64            `json:"stamp"`
}

// New creates a new Server.
func New(cfg *config.Config, status StatusSource, log logrus.FieldLogger) *Server {
	return &Server{
		cfg:     cfg,
		status:  status,
		log:     log.WithField("module", "server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/odo/reset-trip", s.handleResetTrip)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Infof("listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Publish forwards r to every client. Slow clients miss frames.
func (s *Server) Publish(r session.Report) {
	if r.Location != nil && r.Location.Valid {
		s.updateOdometer(r.Location.Latitude, r.Location.Longitude)
	}
	odo := s.odometer()
	s.broadcast(Frame{Report: &r, Odo: &odo, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Send initial status before the client can receive broadcasts
	snap := s.status.Snapshot()
	odo := s.odometer()
	if data, err := json.Marshal(Frame{Status: &snap, Odo: &odo, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Infof("ws client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients send nothing we act on)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			close(client.send)
			n := len(s.clients)
			s.clientsMu.Unlock()
			s.log.Infof("ws client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.clientsMu.RLock()
	n := len(s.clients)
	s.clientsMu.RUnlock()

	writeJSON(w, StatusResponse{
		Session: s.status.Snapshot(),
		Odo:     s.odometer(),
		Clients: n,
		Stamp:   time.Now().UnixMilli(),
	})
}

// handleConfig serves the loaded configuration. It cannot be changed at
// runtime.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.odoMu.Lock()
	s.odoTrip = 0
	s.odoMu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) odometer() OdoData {
	s.odoMu.Lock()
	defer s.odoMu.Unlock()
	return OdoData{Total: math.Round(s.odoTotal*1000) / 1000, Trip: math.Round(s.odoTrip*1000) / 1000}
}

// updateOdometer accumulates distance from GPS position changes.
func (s *Server) updateOdometer(lat, lon float64) {
	s.odoMu.Lock()
	defer s.odoMu.Unlock()

	if !s.lastGPSValid {
		// First valid fix: seed position, don't accumulate
		s.lastGPSLat = lat
		s.lastGPSLon = lon
		s.lastGPSValid = true
		return
	}

	dist := haversineKm(s.lastGPSLat, s.lastGPSLon, lat, lon)

	// Ignore jumps > 500m per fix (GPS glitch)
	if dist > 0.5 {
		s.lastGPSLat = lat
		s.lastGPSLon = lon
		return
	}

	// Minimum movement threshold: ~2 meters
	if dist > 0.002 {
		s.odoTotal += dist
		s.odoTrip += dist
		s.lastGPSLat = lat
		s.lastGPSLon = lon
	}
}

// haversineKm calculates the great-circle distance between two lat/lon points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0 // Earth radius km
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
