package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carelink-protocol/carelink/internal/audit"
	"github.com/carelink-protocol/carelink/internal/config"
	"github.com/carelink-protocol/carelink/internal/notify"
	"github.com/carelink-protocol/carelink/internal/protocol"
	"github.com/carelink-protocol/carelink/internal/registry"
	"github.com/carelink-protocol/carelink/internal/router"
	"github.com/carelink-protocol/carelink/pkg/a2a"
)

func main() {
	configPath := flag.String("config", "carelink.config.json", "Path to config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	agentID := flag.String("id", "", "Agent ID (overrides config)")
	flag.Parse()

	var cfg *config.Config
	if _, err := os.Stat(*configPath); err == nil {
		log.Printf("Loading config from %s", *configPath)
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Printf("Failed to load config: %v, using defaults", err)
			cfg = config.LoadDefault()
		}
	} else {
		log.Printf("Config file not found, using defaults")
		cfg = config.LoadDefault()
	}

	if *addr != "" {
		cfg.Network.ListenAddr = *addr
	}
	if *agentID != "" {
		cfg.Agent.ID = *agentID
	}

	card, err := buildCard(cfg)
	if err != nil {
		log.Fatalf("Invalid agent configuration: %v", err)
	}

	reg := registry.New()
	defer reg.Close()

	auditLog := audit.NewLogger()
	events := notify.NewManager()

	if err := reg.Register(card); err != nil {
		log.Fatalf("Failed to register local agent: %v", err)
	}
	auditLog.RecordAgent(audit.EventAgentRegister, card.AgentID, "local agent registered", true)

	if cfg.Registry.SnapshotPath != "" {
		if _, err := os.Stat(cfg.Registry.SnapshotPath); err == nil {
			loaded, err := reg.LoadSnapshot(cfg.Registry.SnapshotPath)
			if err != nil {
				log.Printf("Failed to load registry snapshot: %v", err)
			} else {
				log.Printf("Loaded %d agent cards from snapshot", loaded)
			}
		}
	}

	// Outbound sender: static peer table first, registry as fallback.
	var resolver protocol.Resolver
	if len(cfg.Peers) > 0 {
		resolver = protocol.StaticResolver(cfg.Peers)
	} else {
		resolver = &protocol.RegistryResolver{Registry: reg}
	}
	sender := protocol.NewClient(card.AgentID, resolver, auditLog)

	rt := router.New(card.AgentID, cfg.Router.Workers, auditLog, events)
	registerDefaultHandlers(rt, card, reg, sender)

	server := protocol.NewServer(card, reg, rt, auditLog, events)
	server.SetStreamInterval(time.Duration(cfg.Stream.IntervalSeconds) * time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Network.ListenAddr, cfg.Network.TLSCertFile, cfg.Network.TLSKeyFile)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down", sig)
	}

	if cfg.Registry.SnapshotPath != "" {
		if err := reg.SaveSnapshot(cfg.Registry.SnapshotPath); err != nil {
			log.Printf("Failed to save registry snapshot: %v", err)
		}
	}
	rt.Close()
}

// buildCard assembles the local agent card from configuration.
func buildCard(cfg *config.Config) (*a2a.AgentCard, error) {
	base := cfg.Network.AdvertiseURL
	caps := make([]a2a.Capability, 0, len(cfg.Agent.Capabilities))
	for _, c := range cfg.Agent.Capabilities {
		caps = append(caps, a2a.Capability(c))
	}

	card, err := a2a.NewAgentCard(cfg.Agent.ID, cfg.Agent.Name, cfg.Agent.Version, caps, a2a.Endpoints{
		Health:       base + "/health",
		Capabilities: base + "/capabilities",
		TaskSubmit:   base + "/message",
		Webhook:      base + "/message",
	})
	if err != nil {
		return nil, err
	}
	card.MedicalSpecialties = cfg.Agent.Specialties
	card.EmergencyCapable = cfg.Agent.EmergencyCapable
	return card, nil
}

// registerDefaultHandlers wires the handlers every agent answers natively.
// Domain handlers (vision, reasoning, notification channels) are registered
// by the embedding application.
func registerDefaultHandlers(rt *router.Router, card *a2a.AgentCard, reg *registry.Registry, sender *protocol.Client) {
	rt.RegisterHandler(a2a.TypeCapabilityQuery, func(ctx context.Context, msg *a2a.Message) (*a2a.Message, error) {
		resp := a2a.NewMessage(card.AgentID, msg.SenderID, a2a.TypeCapabilityResponse, map[string]interface{}{
			"agent_card": card,
		}, msg.Urgency)
		resp.CorrelationID = msg.MessageID
		return resp, nil
	})

	rt.RegisterHandler(a2a.TypeStatusUpdate, func(ctx context.Context, msg *a2a.Message) (*a2a.Message, error) {
		// Status updates are informational; accept without a reply.
		return nil, nil
	})

	rt.RegisterHandler(a2a.TypeAuditLog, func(ctx context.Context, msg *a2a.Message) (*a2a.Message, error) {
		return nil, nil
	})

	// Coordination requests fan out to the care team named in the context.
	rt.RegisterHandler(a2a.TypeCareCoordination, func(ctx context.Context, msg *a2a.Message) (*a2a.Message, error) {
		if msg.MedicalContext == nil || len(msg.MedicalContext.CareTeamRefs) == 0 {
			return nil, nil
		}
		relayed := 0
		for _, ref := range msg.MedicalContext.CareTeamRefs {
			if ref == card.AgentID || ref == msg.SenderID {
				continue
			}
			_, err := sender.Send(ctx, ref, a2a.TypeStatusUpdate, map[string]interface{}{
				"coordination_id": msg.MessageID,
				"case_ref":        msg.MedicalContext.CaseRef,
			}, msg.Urgency, msg.MedicalContext)
			if err != nil {
				log.Printf("Care team relay to %s failed: %v", ref, err)
				continue
			}
			relayed++
		}
		resp := a2a.NewMessage(card.AgentID, msg.SenderID, a2a.TypeTaskResponse, map[string]interface{}{
			"relayed_to": relayed,
		}, msg.Urgency)
		resp.CorrelationID = msg.MessageID
		return resp, nil
	})

	// Escalations alert every registered emergency-capable agent.
	rt.RegisterHandler(a2a.TypeEmergencyEscalation, func(ctx context.Context, msg *a2a.Message) (*a2a.Message, error) {
		if msg.MedicalContext == nil {
			return nil, nil
		}
		notified := 0
		for _, target := range reg.DiscoverEmergency("") {
			if target.AgentID == card.AgentID || target.AgentID == msg.SenderID {
				continue
			}
			_, err := sender.Send(ctx, target.AgentID, a2a.TypeMedicalAlert, map[string]interface{}{
				"escalation_id":  msg.MessageID,
				"escalated_from": msg.SenderID,
			}, a2a.UrgencyEmergency, msg.MedicalContext)
			if err != nil {
				log.Printf("Emergency alert to %s failed: %v", target.AgentID, err)
				continue
			}
			notified++
		}
		resp := a2a.NewMessage(card.AgentID, msg.SenderID, a2a.TypeTaskResponse, map[string]interface{}{
			"notified": notified,
		}, msg.Urgency)
		resp.CorrelationID = msg.MessageID
		return resp, nil
	})
}
