package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/obdsec/internal/canbus"
	"github.com/shaunagostinho/obdsec/internal/config"
	"github.com/shaunagostinho/obdsec/internal/obd"
	"github.com/shaunagostinho/obdsec/internal/session"
	"github.com/shaunagostinho/obdsec/internal/transport"
)

// FrameSource serves archived CAN frames. *archive.Archive satisfies it.
type FrameSource interface {
	Recent(ctx context.Context, iface string, limit int) ([]canbus.Frame, error)
}

// Server pushes live readings to WebSocket clients and exposes the
// session's OBD operations over a small JSON API.
type Server struct {
	cfg    *config.Config
	sess   *session.Session
	webFS  fs.FS
	frames FrameSource

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Message is the JSON structure sent to WebSocket clients.
type Message struct {
	Reading    *obd.Reading          `json:"reading,omitempty"`
	Error      *PIDError             `json:"error,omitempty"`
	Status     *Status               `json:"status,omitempty"`
	Connection *transport.Connection `json:"connection,omitempty"`
	Stamp      int64                 `json:"stamp"` // Unix ms
}

// PIDError reports a failed poll.
type PIDError struct {
	PID     string `json:"pid"`
	Message string `json:"message"`
}

// Status describes the session.
type Status struct {
	Session    string                 `json:"session"`
	Connection transport.Connection   `json:"connection"`
	Monitoring bool                   `json:"monitoring"`
	PIDs       []string               `json:"pids"`
	Latest     map[string]obd.Reading `json:"latest"`
}

// New creates a Server. frames may be nil when no archive is configured.
func New(cfg *config.Config, sess *session.Session, webFS fs.FS, frames FrameSource) *Server {
	return &Server{
		cfg:     cfg,
		sess:    sess,
		webFS:   webFS,
		frames:  frames,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/pids", s.handlePIDs)
	mux.HandleFunc("GET /api/pid/{name}", s.handlePID)
	mux.HandleFunc("/api/dtc", s.handleDTC)
	mux.HandleFunc("GET /api/vin", s.handleVIN)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/frames", s.handleFrames)
	return mux
}

// Run serves HTTP until ctx is canceled.
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
		s.closeClients()
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PublishReading broadcasts r. Its signature matches monitor.Listener.
func (s *Server) PublishReading(r obd.Reading) {
	s.broadcast(Message{Reading: &r, Stamp: time.Now().UnixMilli()})
}

// PublishError broadcasts a failed poll. Its signature matches
// monitor.ErrorListener.
func (s *Server) PublishError(pid string, err error) {
	s.broadcast(Message{Error: &PIDError{PID: pid, Message: err.Error()}, Stamp: time.Now().UnixMilli()})
}

func (s *Server) status() *Status {
	m := s.sess.Monitor()
	return &Status{
		Session:    s.sess.ID.String(),
		Connection: s.sess.Connection(),
		Monitoring: m.Running(),
		PIDs:       m.PIDs(),
		Latest:     m.Latest(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	status, err := json.Marshal(Message{Status: s.status(), Stamp: time.Now().UnixMilli()})
	if err != nil {
		log.Printf("[ws] status: %v", err)
	}

	// Queue status and register under one lock so the status message is
	// always first and a client that has read it is already receiving
	// broadcasts.
	s.clientsMu.Lock()
	if status != nil {
		client.send <- status
	}
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.clientsMu.Unlock()
	if ok {
		close(c.send)
		log.Printf("[ws] client disconnected (%d total)", n)
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// slow client
		}
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.cfg.Path() != "" {
			if err := s.cfg.Save(); err != nil {
				log.Printf("[config] save failed: %v", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handlePIDs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, obd.PIDs())
}

func (s *Server) handlePID(w http.ResponseWriter, r *http.Request) {
	rd, err := s.sess.ReadPID(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleDTC(w http.ResponseWriter, r *http.Request) {
	c := s.sess.Client()
	switch r.Method {
	case http.MethodGet:
		codes, err := c.ReadDTCs(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if codes == nil {
			codes = []obd.DTC{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"codes": codes})

	case http.MethodDelete:
		ok, err := c.ClearDTCs(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cleared": ok})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVIN(w http.ResponseWriter, r *http.Request) {
	vin, err := s.sess.Client().ReadVIN(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vin": vin})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h := s.sess.History()
	if h == nil {
		h = []session.KeyRecord{}
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
			limit = n
		}
	}
	frames, err := s.frames.Recent(r.Context(), r.URL.Query().Get("iface"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	lines := make([]string, len(frames))
	for i, f := range frames {
		lines[i] = canbus.FormatCaptureLine(f)
	}
	writeJSON(w, http.StatusOK, map[string]any{"frames": lines})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps package sentinels to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, obd.ErrUnknownPID):
		code = http.StatusNotFound
	case errors.Is(err, transport.ErrNotConnected):
		code = http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, obd.ErrParse):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
