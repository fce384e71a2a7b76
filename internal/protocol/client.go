package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/carelink-protocol/carelink/internal/audit"
	"github.com/carelink-protocol/carelink/internal/policy"
	"github.com/carelink-protocol/carelink/internal/registry"
	"github.com/carelink-protocol/carelink/pkg/a2a"
)

// TransportTimeout bounds one outbound HTTP call. It is fixed regardless of
// message urgency: the urgency deadline governs handler execution on the
// receiving side, not the wire.
const TransportTimeout = 30 * time.Second

// Resolver maps an agent id to its inbound webhook URL.
type Resolver interface {
	Resolve(agentID string) (string, error)
}

// StaticResolver resolves recipients from a fixed peer table.
type StaticResolver map[string]string

// Resolve implements Resolver.
func (r StaticResolver) Resolve(agentID string) (string, error) {
	url, ok := r[agentID]
	if !ok {
		return "", fmt.Errorf("no peer entry for agent %q", agentID)
	}
	return url, nil
}

// RegistryResolver resolves recipients from the local capability registry.
type RegistryResolver struct {
	Registry *registry.Registry
}

// Resolve implements Resolver.
func (r *RegistryResolver) Resolve(agentID string) (string, error) {
	card := r.Registry.Get(agentID)
	if card == nil {
		return "", fmt.Errorf("agent %q not registered", agentID)
	}
	return card.Endpoints.Webhook, nil
}

// TransportError reports a non-success HTTP status from a remote agent.
type TransportError struct {
	AgentID    string
	StatusCode int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("delivery to %s failed with status %d", e.AgentID, e.StatusCode)
}

// Client delivers messages to remote agents' inbound webhooks.
type Client struct {
	agentID    string
	resolver   Resolver
	httpClient *http.Client
	auditLog   *audit.Logger
	retryDelay time.Duration
}

// NewClient creates an outbound sender for the local agent.
func NewClient(agentID string, resolver Resolver, auditLog *audit.Logger) *Client {
	return &Client{
		agentID:    agentID,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: TransportTimeout},
		auditLog:   auditLog,
		retryDelay: 500 * time.Millisecond,
	}
}

// Send constructs and delivers a message. The three outcomes are distinct:
// (resp, nil) delivered with a response, (nil, nil) accepted without one,
// (nil, err) delivery failed.
func (c *Client) Send(ctx context.Context, recipientID string, mtype a2a.MessageType, payload map[string]interface{}, urgency a2a.Urgency, mctx *a2a.MedicalContext) (*a2a.Message, error) {
	msg := a2a.NewMessage(c.agentID, recipientID, mtype, payload, urgency)
	msg.MedicalContext = mctx
	msg.EncryptionLevel = policy.LevelFor(mtype, mctx)
	return c.SendMessage(ctx, msg)
}

// SendMessage delivers an already-constructed message, retrying transient
// transport failures until the message's retry budget is exhausted.
func (c *Client) SendMessage(ctx context.Context, msg *a2a.Message) (*a2a.Message, error) {
	url, err := c.resolver.Resolve(msg.RecipientID)
	if err != nil {
		c.recordSend(msg, false, err.Error())
		return nil, fmt.Errorf("failed to resolve recipient: %w", err)
	}

	for {
		resp, retryable, err := c.post(ctx, url, msg)
		if err == nil {
			msg.AddAudit("delivered", msg.RecipientID)
			c.recordSend(msg, true, "")
			return resp, nil
		}
		if !retryable {
			c.recordSend(msg, false, err.Error())
			return nil, err
		}

		if retryErr := msg.MarkRetry(); retryErr != nil {
			log.Printf("Delivery to %s abandoned: %v (last error: %v)", msg.RecipientID, retryErr, err)
			c.recordSend(msg, false, retryErr.Error())
			return nil, fmt.Errorf("%w: %v", a2a.ErrRetriesExhausted, err)
		}
		log.Printf("Delivery to %s failed, retrying: %v", msg.RecipientID, err)

		select {
		case <-ctx.Done():
			c.recordSend(msg, false, ctx.Err().Error())
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

// post performs one delivery attempt. The bool result reports whether the
// failure is worth retrying.
func (c *Client) post(ctx context.Context, url string, msg *a2a.Message) (*a2a.Message, bool, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("transport failure: %w", err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK:
		var resp a2a.Message
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return nil, false, fmt.Errorf("failed to decode response: %w", err)
		}
		return &resp, false, nil

	case httpResp.StatusCode == http.StatusAccepted:
		return nil, false, nil

	case httpResp.StatusCode >= 500:
		return nil, true, &TransportError{AgentID: msg.RecipientID, StatusCode: httpResp.StatusCode}

	default:
		// 4xx means the recipient rejected the envelope; retrying the same
		// bytes cannot succeed.
		return nil, false, &TransportError{AgentID: msg.RecipientID, StatusCode: httpResp.StatusCode}
	}
}

func (c *Client) recordSend(msg *a2a.Message, success bool, errMsg string) {
	if c.auditLog == nil {
		return
	}
	c.auditLog.Record(audit.EventOutboundSend, msg, "outbound delivery", success, errMsg)
}
