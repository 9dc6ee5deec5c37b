package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/db"
	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
	"github.com/soildesigngroup/cm5-maker-desk/internal/monitor"
)

const maxBody = 1 << 20

// Dispatcher answers commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Response
	DispatchJSON(ctx context.Context, raw []byte) dispatch.Response
}

// Monitor is the monitoring scheduler as seen by the transports.
type Monitor interface {
	Subscribe() *monitor.Subscription
	Recent(max int) []dispatch.Response
	State() dispatch.MonitorState
}

// History reads persisted monitoring frames.
type History interface {
	History(device string, limit int) ([]db.PollResult, error)
}

// CommandLog records answered commands.
type CommandLog interface {
	LogCommand(req dispatch.Request, resp dispatch.Response, source string)
}

type Options struct {
	CORSOrigins []string
	History     History
	CommandLog  CommandLog
	// OutboxSize bounds the frames queued for one WebSocket client.
	OutboxSize int
}

type Server struct {
	disp    Dispatcher
	mon     Monitor
	opts    Options
	started time.Time
	hub     *hub

	httpServer *http.Server
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status           string   `json:"status"`
	UptimeSeconds    float64  `json:"uptime_seconds"`
	DevicesTotal     int      `json:"devices_total"`
	DevicesConnected int      `json:"devices_connected"`
	Disconnected     []string `json:"disconnected"`
	MonitoringActive bool     `json:"monitoring_active"`
	WebSocketClients int      `json:"websocket_clients"`
}

func NewServer(disp Dispatcher, mon Monitor, opts Options) *Server {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	return &Server{
		disp:    disp,
		mon:     mon,
		opts:    opts,
		started: time.Now(),
		hub:     newHub(),
	}
}

// Handler is the full HTTP surface, wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/monitoring/data", s.handleMonitoringData)
	mux.HandleFunc("/api/monitoring/history", s.handleMonitoringHistory)
	mux.HandleFunc("/ws", s.handleWebSocket)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(mux)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("address", addr).Msg("Starting REST API server")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		resp := dispatch.Failed(hmierr.New(hmierr.MalformedRequest, "method %s not allowed, use POST", r.Method))
		resp.Timestamp = float64(time.Now().UnixNano()) / 1e9
		s.writeJSON(w, http.StatusMethodNotAllowed, resp)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	resp := s.command(r.Context(), body, "http")
	s.writeJSON(w, http.StatusOK, resp)
}

// command dispatches one wire request and logs it.
func (s *Server) command(ctx context.Context, raw []byte, source string) dispatch.Response {
	resp := s.disp.DispatchJSON(ctx, raw)
	if s.opts.CommandLog != nil {
		req, _ := dispatch.Decode(raw)
		s.opts.CommandLog.LogCommand(req, resp, source)
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	resp := s.disp.Dispatch(r.Context(), dispatch.Request{Action: dispatch.ActionSystemStatus})
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	health := HealthResponse{
		Status:           "ok",
		UptimeSeconds:    time.Since(s.started).Seconds(),
		Disconnected:     []string{},
		MonitoringActive: s.mon.State().Active,
		WebSocketClients: s.hub.count(),
	}

	list := s.disp.Dispatch(r.Context(), dispatch.Request{Action: dispatch.ActionDeviceList})
	if devices, ok := list.Data["devices"].(map[string]dispatch.DeviceInfo); ok {
		health.DevicesTotal = len(devices)
		for id, d := range devices {
			if d.State.Connected {
				health.DevicesConnected++
			} else {
				health.Disconnected = append(health.Disconnected, id)
			}
		}
	}
	if health.DevicesConnected < health.DevicesTotal {
		health.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, health)
}

func queryInt(r *http.Request, key string, def, max int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New(key + " must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func (s *Server) handleMonitoringData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	n, err := queryInt(r, "max_items", 10, 1000)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	frames := s.mon.Recent(n)
	state := s.mon.State()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"monitoring_active": state.Active,
		"count":             len(frames),
		"data":              frames,
	})
}

func (s *Server) handleMonitoringHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.opts.History == nil {
		s.writeError(w, http.StatusNotFound, "History is not enabled")
		return
	}
	limit, err := queryInt(r, "limit", 100, 10000)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	device := r.URL.Query().Get("device")

	results, err := s.opts.History.History(device, limit)
	if err != nil {
		log.Error().Err(err).Str("device", device).Msg("Failed to read history")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"device":  device,
		"count":   len(results),
		"data":    results,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
