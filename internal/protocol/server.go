package protocol

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carelink-protocol/carelink/internal/audit"
	"github.com/carelink-protocol/carelink/internal/notify"
	"github.com/carelink-protocol/carelink/internal/policy"
	"github.com/carelink-protocol/carelink/internal/registry"
	"github.com/carelink-protocol/carelink/internal/router"
	"github.com/carelink-protocol/carelink/pkg/a2a"
)

// DefaultStreamInterval is the period between status pushes on /stream.
const DefaultStreamInterval = 10 * time.Second

// Server exposes the local router and registry to remote agents over HTTP.
type Server struct {
	card           *a2a.AgentCard
	registry       *registry.Registry
	router         *router.Router
	auditLog       *audit.Logger
	events         *notify.Manager
	wsHub          *WSHub
	mux            *http.ServeMux
	streamInterval time.Duration
	started        time.Time
}

// NewServer wires the protocol endpoint. registry, auditLog and events may
// be nil for reduced deployments; the router may be nil only while the agent
// is still initializing (requests then answer 503).
func NewServer(card *a2a.AgentCard, reg *registry.Registry, rt *router.Router, auditLog *audit.Logger, events *notify.Manager) *Server {
	if events == nil {
		events = notify.NewManager()
	}
	s := &Server{
		card:           card,
		registry:       reg,
		router:         rt,
		auditLog:       auditLog,
		events:         events,
		wsHub:          NewWSHub(events),
		mux:            http.NewServeMux(),
		streamInterval: DefaultStreamInterval,
		started:        time.Now(),
	}
	s.setupRoutes()
	return s
}

// SetStreamInterval overrides the /stream push period.
func (s *Server) SetStreamInterval(d time.Duration) {
	if d > 0 {
		s.streamInterval = d
	}
}

// Hub returns the observer WebSocket hub.
func (s *Server) Hub() *WSHub {
	return s.wsHub
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/message", s.handleMessage)
	s.mux.HandleFunc("/capabilities", s.handleCapabilities)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/stream", s.handleStream)
	s.mux.HandleFunc("/medical/alert", s.handleMedicalAlert)
	s.mux.HandleFunc("/medical/emergency", s.handleMedicalEmergency)
	s.mux.HandleFunc("/medical/audit", s.handleMedicalAudit)
	s.mux.HandleFunc("/agents", s.handleAgents)
	s.mux.HandleFunc("/ws", s.wsHub.handleWebSocket)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler so the server can sit behind httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// isValidationReason reports whether an error response was produced at the
// validation boundary rather than by handler execution.
func isValidationReason(reason string) bool {
	for _, known := range a2a.ValidationReasons() {
		if reason == string(known) {
			return true
		}
	}
	return false
}

// processAndRespond routes a message and maps the outcome to HTTP:
// 200 with a response body, 202 when the handler produced none, 422 when
// validation rejected the envelope, 500 on internal fault, 503 when the
// router is absent.
func (s *Server) processAndRespond(w http.ResponseWriter, r *http.Request, msg *a2a.Message) {
	if s.router == nil {
		writeError(w, http.StatusServiceUnavailable, "router not initialized")
		return
	}

	resp, err := s.router.Process(r.Context(), msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	status := http.StatusOK
	if resp.Type == a2a.TypeError {
		if reason, ok := resp.Payload["error"].(string); ok && isValidationReason(reason) {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var msg a2a.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed message: "+err.Error())
		return
	}

	if s.auditLog != nil {
		s.auditLog.Record(audit.EventMessageReceived, &msg, "inbound message", true, "")
	}
	s.processAndRespond(w, r, &msg)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var handlerTypes []a2a.MessageType
	if s.router != nil {
		handlerTypes = s.router.HandlerTypes()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_card":        s.card,
		"message_types":     a2a.MessageTypes(),
		"urgency_levels":    a2a.UrgencyLevels(),
		"encryption_levels": a2a.EncryptionLevels(),
		"handled_types":     handlerTypes,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) statusSnapshot() map[string]interface{} {
	snapshot := map[string]interface{}{
		"agent_id":       s.card.AgentID,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"observers":      s.wsHub.ClientCount(),
		"timestamp":      time.Now().UTC(),
	}
	if s.router != nil {
		snapshot["router"] = s.router.Stats()
	}
	if s.registry != nil {
		snapshot["registry"] = s.registry.Stats()
	}
	return snapshot
}

// handleStream pushes the router's status snapshot as a status_update SSE
// event on a fixed period until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	push := func() bool {
		data, err := json.Marshal(s.statusSnapshot())
		if err != nil {
			return false
		}
		if _, err := w.Write([]byte("event: status_update\ndata: ")); err != nil {
			return false
		}
		if _, err := w.Write(data); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}

// medicalRequest is the body accepted by the /medical convenience routes.
type medicalRequest struct {
	SenderID       string                 `json:"sender_id"`
	RecipientID    string                 `json:"recipient_id,omitempty"`
	Payload        map[string]interface{} `json:"payload"`
	MedicalContext *a2a.MedicalContext    `json:"medical_context,omitempty"`
}

func (s *Server) buildMedicalMessage(req *medicalRequest, mtype a2a.MessageType, urgency a2a.Urgency) *a2a.Message {
	recipient := req.RecipientID
	if recipient == "" {
		recipient = s.card.AgentID
	}
	msg := a2a.NewMessage(req.SenderID, recipient, mtype, req.Payload, urgency)
	msg.MedicalContext = req.MedicalContext
	msg.EncryptionLevel = policy.LevelFor(mtype, req.MedicalContext)
	return msg
}

func (s *Server) handleMedicalAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req medicalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}

	msg := s.buildMedicalMessage(&req, a2a.TypeMedicalAlert, a2a.UrgencyHigh)
	s.processAndRespond(w, r, msg)
}

func (s *Server) handleMedicalEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req medicalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}

	msg := s.buildMedicalMessage(&req, a2a.TypeEmergencyEscalation, a2a.UrgencyEmergency)
	// Emergencies must not linger: a stale escalation is worse than none.
	msg.TTLSeconds = 60
	s.processAndRespond(w, r, msg)
}

// handleMedicalAudit exposes aggregate counts only; per-message audit trails
// travel inside the messages themselves.
func (s *Server) handleMedicalAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	out := map[string]interface{}{}
	if s.router != nil {
		out["router"] = s.router.Stats()
	}
	if s.auditLog != nil {
		out["audit"] = s.auditLog.GetStats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not initialized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		capability := a2a.Capability(q.Get("capability"))
		specialty := q.Get("specialty")
		emergencyOnly := q.Get("emergency") == "true"

		var cards []*a2a.AgentCard
		switch {
		case capability != "":
			cards = s.registry.Discover(capability, specialty, emergencyOnly)
		case emergencyOnly:
			cards = s.registry.DiscoverEmergency("")
		default:
			cards = s.registry.ListAll()
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"agents": cards,
			"count":  len(cards),
		})

	case http.MethodPost:
		var card a2a.AgentCard
		if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
			writeError(w, http.StatusBadRequest, "malformed card: "+err.Error())
			return
		}
		if err := s.registry.Register(&card); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.auditLog != nil {
			s.auditLog.RecordAgent(audit.EventAgentRegister, card.AgentID, "agent registered", true)
		}
		s.events.Publish(notify.TopicAgents, notify.Event{
			Type:    "agent_registered",
			AgentID: card.AgentID,
		})
		writeJSON(w, http.StatusCreated, card)

	case http.MethodDelete:
		agentID := r.URL.Query().Get("id")
		if agentID == "" {
			writeError(w, http.StatusBadRequest, "missing id parameter")
			return
		}
		if !s.registry.Unregister(agentID) {
			writeError(w, http.StatusNotFound, "agent not registered: "+agentID)
			return
		}
		if s.auditLog != nil {
			s.auditLog.RecordAgent(audit.EventAgentUnregister, agentID, "agent unregistered", true)
		}
		s.events.Publish(notify.TopicAgents, notify.Event{
			Type:    "agent_unregistered",
			AgentID: agentID,
		})
		writeJSON(w, http.StatusOK, map[string]string{"removed": agentID})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// Start runs the HTTP server, with TLS when cert material is configured.
func (s *Server) Start(addr, certFile, keyFile string) error {
	go s.wsHub.Run()

	log.Printf("Starting protocol endpoint on %s", addr)
	if certFile != "" && keyFile != "" {
		return http.ListenAndServeTLS(addr, certFile, keyFile, s.mux)
	}
	return http.ListenAndServe(addr, s.mux)
}
