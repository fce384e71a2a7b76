package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carelink-protocol/carelink/internal/audit"
	"github.com/carelink-protocol/carelink/internal/notify"
	"github.com/carelink-protocol/carelink/internal/registry"
	"github.com/carelink-protocol/carelink/internal/router"
	"github.com/carelink-protocol/carelink/pkg/a2a"
)

func newTestCard(t *testing.T, id string) *a2a.AgentCard {
	t.Helper()
	card, err := a2a.NewAgentCard(id, "Agent "+id, "1.0.0",
		[]a2a.Capability{a2a.CapClinicalReasoning, a2a.CapEmergencyResponse},
		a2a.Endpoints{
			Health:       "http://" + id + "/health",
			Capabilities: "http://" + id + "/capabilities",
			TaskSubmit:   "http://" + id + "/message",
			Webhook:      "http://" + id + "/message",
		})
	require.NoError(t, err)
	card.EmergencyCapable = true
	return card
}

// newTestServer wires a full endpoint with echo handlers for the clinical
// message types.
func newTestServer(t *testing.T) (*Server, *registry.Registry, *router.Router, *audit.Logger) {
	t.Helper()

	card := newTestCard(t, "local-1")
	reg := registry.New()
	t.Cleanup(reg.Close)
	require.NoError(t, reg.Register(card))

	auditLog := audit.NewLogger()
	events := notify.NewManager()
	rt := router.New(card.AgentID, 2, auditLog, events)
	t.Cleanup(rt.Close)

	echo := func(ctx context.Context, msg *a2a.Message) (*a2a.Message, error) {
		resp := a2a.NewMessage(card.AgentID, msg.SenderID, a2a.TypeTaskResponse, map[string]interface{}{
			"echo_type":       string(msg.Type),
			"echo_urgency":    string(msg.Urgency),
			"echo_encryption": string(msg.EncryptionLevel),
			"echo_ttl":        msg.TTLSeconds,
		}, msg.Urgency)
		resp.CorrelationID = msg.MessageID
		return resp, nil
	}
	rt.RegisterHandler(a2a.TypeCapabilityQuery, echo)
	rt.RegisterHandler(a2a.TypeMedicalAlert, echo)
	rt.RegisterHandler(a2a.TypeEmergencyEscalation, echo)
	rt.RegisterHandler(a2a.TypeStatusUpdate, func(ctx context.Context, msg *a2a.Message) (*a2a.Message, error) {
		return nil, nil
	})

	return NewServer(card, reg, rt, auditLog, events), reg, rt, auditLog
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeMessage(t *testing.T, resp *http.Response) *a2a.Message {
	t.Helper()
	defer resp.Body.Close()
	var msg a2a.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	return &msg
}

func TestServer_MessageRoundTrip(t *testing.T) {
	srv, _, _, auditLog := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	msg := a2a.NewMessage("remote-1", "local-1", a2a.TypeCapabilityQuery, nil, a2a.UrgencyMedium)
	resp := postJSON(t, ts, "/message", msg)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeMessage(t, resp)
	require.Equal(t, a2a.TypeTaskResponse, out.Type)
	require.Equal(t, msg.MessageID, out.CorrelationID)
	require.Equal(t, "remote-1", out.RecipientID)

	stats := auditLog.GetStats()
	require.GreaterOrEqual(t, stats.ByEventType[string(audit.EventMessageReceived)], 1)
}

func TestServer_MessageAcceptedWithoutResponse(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	msg := a2a.NewMessage("remote-1", "local-1", a2a.TypeStatusUpdate, nil, a2a.UrgencyLow)
	resp := postJSON(t, ts, "/message", msg)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestServer_MessageValidationRejected(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	msg := a2a.NewMessage("remote-1", "local-1", a2a.TypeMedicalAlert, nil, a2a.UrgencyHigh)
	// Clinical content without a medical context must be refused.
	resp := postJSON(t, ts, "/message", msg)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	out := decodeMessage(t, resp)
	require.Equal(t, a2a.TypeError, out.Type)
	require.Equal(t, string(a2a.ReasonMissingMedicalContext), out.Payload["error"])
	require.Equal(t, msg.MessageID, out.CorrelationID)
}

func TestServer_MessageMalformed(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/message", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_MessageMethodNotAllowed(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/message")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_NoRouter(t *testing.T) {
	card := newTestCard(t, "local-1")
	srv := NewServer(card, nil, nil, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	msg := a2a.NewMessage("remote-1", "local-1", a2a.TypeTaskRequest, nil, a2a.UrgencyLow)
	resp := postJSON(t, ts, "/message", msg)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestServer_Capabilities(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/capabilities")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	card, ok := body["agent_card"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "local-1", card["agent_id"])

	handled, ok := body["handled_types"].([]interface{})
	require.True(t, ok)
	require.Contains(t, handled, string(a2a.TypeMedicalAlert))
	require.NotEmpty(t, body["urgency_levels"])
	require.NotEmpty(t, body["encryption_levels"])
}

func TestServer_Status(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "local-1", body["agent_id"])
	require.Contains(t, body, "router")
	require.Contains(t, body, "registry")
	require.Contains(t, body, "uptime_seconds")
}

func TestServer_StreamPushesStatusEvents(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	srv.SetStreamInterval(20 * time.Millisecond)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	eventLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: status_update\n", eventLine)

	dataLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dataLine, "data: "))

	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(dataLine), "data: ")), &snapshot))
	require.Equal(t, "local-1", snapshot["agent_id"])

	// A second event follows on the configured interval.
	eventLine, err = reader.ReadString('\n')
	require.NoError(t, err) // blank separator
	eventLine, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: status_update\n", eventLine)
}

func TestServer_MedicalAlert(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	mc := a2a.NewMedicalContext("patient-42", "case-7")
	mc.ConsentVerified = true
	resp := postJSON(t, ts, "/medical/alert", medicalRequest{
		SenderID:       "vision-1",
		Payload:        map[string]interface{}{"finding": "stage 3 pressure injury"},
		MedicalContext: mc,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeMessage(t, resp)
	require.Equal(t, string(a2a.TypeMedicalAlert), out.Payload["echo_type"])
	require.Equal(t, string(a2a.UrgencyHigh), out.Payload["echo_urgency"])
	require.Equal(t, string(a2a.EncryptionMedicalGrade), out.Payload["echo_encryption"])
}

func TestServer_MedicalAlert_NoConsent(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := postJSON(t, ts, "/medical/alert", medicalRequest{
		SenderID:       "vision-1",
		Payload:        map[string]interface{}{"finding": "redness"},
		MedicalContext: a2a.NewMedicalContext("patient-42", ""),
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	out := decodeMessage(t, resp)
	require.Equal(t, string(a2a.ReasonConsentNotVerified), out.Payload["error"])
}

func TestServer_MedicalEmergency(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	mc := a2a.NewMedicalContext("patient-42", "case-7")
	mc.ConsentVerified = true
	resp := postJSON(t, ts, "/medical/emergency", medicalRequest{
		SenderID:       "monitor-1",
		Payload:        map[string]interface{}{"vitals": "critical"},
		MedicalContext: mc,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeMessage(t, resp)
	require.Equal(t, string(a2a.TypeEmergencyEscalation), out.Payload["echo_type"])
	require.Equal(t, string(a2a.UrgencyEmergency), out.Payload["echo_urgency"])
	require.Equal(t, float64(60), out.Payload["echo_ttl"])
}

func TestServer_MedicalAudit(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	msg := a2a.NewMessage("remote-1", "local-1", a2a.TypeCapabilityQuery, nil, a2a.UrgencyMedium)
	resp := postJSON(t, ts, "/message", msg)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/medical/audit")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body, "router")
	require.Contains(t, body, "audit")

	routerStats, ok := body["router"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(1), routerStats["total_processed"])
}

func TestServer_AgentsListAndFilter(t *testing.T) {
	srv, reg, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	extra := newTestCard(t, "remote-1")
	extra.EmergencyCapable = false
	require.NoError(t, reg.Register(extra))

	resp, err := http.Get(ts.URL + "/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Agents []*a2a.AgentCard `json:"agents"`
		Count  int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 2, body.Count)

	resp, err = http.Get(ts.URL + "/agents?capability=clinical-reasoning&emergency=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, "local-1", body.Agents[0].AgentID)
}

func TestServer_AgentsRegister(t *testing.T) {
	srv, reg, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	card := newTestCard(t, "new-agent")
	resp := postJSON(t, ts, "/agents", card)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotNil(t, reg.Get("new-agent"))
}

func TestServer_AgentsUnregister(t *testing.T) {
	srv, reg, _, auditLog := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	extra := newTestCard(t, "remote-1")
	require.NoError(t, reg.Register(extra))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/agents?id=remote-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, reg.Get("remote-1"))
	require.Equal(t, 1, auditLog.GetStats().ByEventType[string(audit.EventAgentUnregister)])

	// A second delete finds nothing to remove.
	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/agents?id=remote-1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_AgentsUnregisterMissingID(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/agents", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_AgentsRegisterInvalid(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := postJSON(t, ts, "/agents", map[string]interface{}{"agent_id": "broken"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
