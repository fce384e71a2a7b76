package registry

import (
	"errors"
	"sort"

	"github.com/carelink-protocol/carelink/pkg/a2a"
)

// ErrClosed is returned when the registry has been shut down.
var ErrClosed = errors.New("registry closed")

// Stats summarizes the registry contents.
type Stats struct {
	TotalAgents      int            `json:"total_agents"`
	EmergencyCapable int            `json:"emergency_capable"`
	ByCapability     map[string]int `json:"by_capability"`
	BySpecialty      map[string]int `json:"by_specialty"`
}

// state is owned exclusively by the actor goroutine. The primary map and the
// three derived indices are always mutated together, so readers can never
// observe a partially updated index.
type state struct {
	cards        map[string]*a2a.AgentCard
	byCapability map[a2a.Capability]map[string]struct{}
	bySpecialty  map[string]map[string]struct{}
	emergency    map[string]struct{}
}

// Registry is a capability-indexed discovery index over agent cards. All
// operations are serialized through a single owning goroutine; callers block
// until their operation has been applied.
type Registry struct {
	ops  chan func(*state)
	quit chan struct{}
}

// New starts the registry actor.
func New() *Registry {
	r := &Registry{
		ops:  make(chan func(*state)),
		quit: make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	s := &state{
		cards:        make(map[string]*a2a.AgentCard),
		byCapability: make(map[a2a.Capability]map[string]struct{}),
		bySpecialty:  make(map[string]map[string]struct{}),
		emergency:    make(map[string]struct{}),
	}
	for {
		select {
		case op := <-r.ops:
			op(s)
		case <-r.quit:
			return
		}
	}
}

// do runs op on the actor goroutine and waits for it to complete.
func (r *Registry) do(op func(*state)) error {
	done := make(chan struct{})
	wrapped := func(s *state) {
		op(s)
		close(done)
	}
	select {
	case r.ops <- wrapped:
		<-done
		return nil
	case <-r.quit:
		return ErrClosed
	}
}

// Close shuts the registry down. Pending and subsequent calls fail with
// ErrClosed.
func (r *Registry) Close() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
}

// Register validates the card and idempotently upserts it, rebuilding that
// agent's index memberships.
func (r *Registry) Register(card *a2a.AgentCard) error {
	if card == nil {
		return &a2a.InvalidCardError{Field: "card", Reason: "nil"}
	}
	if err := card.Validate(); err != nil {
		return err
	}
	stored := card.Clone()

	return r.do(func(s *state) {
		s.remove(stored.AgentID)
		s.cards[stored.AgentID] = stored
		for _, cap := range stored.Capabilities {
			if s.byCapability[cap] == nil {
				s.byCapability[cap] = make(map[string]struct{})
			}
			s.byCapability[cap][stored.AgentID] = struct{}{}
		}
		for _, sp := range stored.MedicalSpecialties {
			if s.bySpecialty[sp] == nil {
				s.bySpecialty[sp] = make(map[string]struct{})
			}
			s.bySpecialty[sp][stored.AgentID] = struct{}{}
		}
		if stored.IsEmergencyCapable() {
			s.emergency[stored.AgentID] = struct{}{}
		}
	})
}

// remove prunes an agent from the primary map and every index.
func (s *state) remove(agentID string) {
	card, ok := s.cards[agentID]
	if !ok {
		return
	}
	delete(s.cards, agentID)
	for _, cap := range card.Capabilities {
		if ids := s.byCapability[cap]; ids != nil {
			delete(ids, agentID)
			if len(ids) == 0 {
				delete(s.byCapability, cap)
			}
		}
	}
	for _, sp := range card.MedicalSpecialties {
		if ids := s.bySpecialty[sp]; ids != nil {
			delete(ids, agentID)
			if len(ids) == 0 {
				delete(s.bySpecialty, sp)
			}
		}
	}
	delete(s.emergency, agentID)
}

// Unregister removes an agent, reporting whether it was present.
func (r *Registry) Unregister(agentID string) bool {
	var removed bool
	_ = r.do(func(s *state) {
		_, removed = s.cards[agentID]
		s.remove(agentID)
	})
	return removed
}

// Discover returns agents declaring the capability, optionally narrowed by
// specialty and emergency eligibility. Results are ordered by SLA
// availability descending, agent id ascending on ties.
func (r *Registry) Discover(capability a2a.Capability, specialty string, emergencyOnly bool) []*a2a.AgentCard {
	var out []*a2a.AgentCard
	_ = r.do(func(s *state) {
		for id := range s.byCapability[capability] {
			card := s.cards[id]
			if specialty != "" && !card.HasSpecialty(specialty) {
				continue
			}
			if emergencyOnly {
				if _, ok := s.emergency[id]; !ok {
					continue
				}
			}
			out = append(out, card.Clone())
		}
	})
	sortCards(out)
	return out
}

// DiscoverEmergency returns emergency-capable agents, optionally narrowed by
// capability.
func (r *Registry) DiscoverEmergency(capability a2a.Capability) []*a2a.AgentCard {
	var out []*a2a.AgentCard
	_ = r.do(func(s *state) {
		for id := range s.emergency {
			card := s.cards[id]
			if capability != "" && !card.HasCapability(capability) {
				continue
			}
			out = append(out, card.Clone())
		}
	})
	sortCards(out)
	return out
}

// Get returns the card for an agent id, or nil if absent.
func (r *Registry) Get(agentID string) *a2a.AgentCard {
	var card *a2a.AgentCard
	_ = r.do(func(s *state) {
		if found, ok := s.cards[agentID]; ok {
			card = found.Clone()
		}
	})
	return card
}

// ListAll returns every registered card, ordered like Discover.
func (r *Registry) ListAll() []*a2a.AgentCard {
	var out []*a2a.AgentCard
	_ = r.do(func(s *state) {
		for _, card := range s.cards {
			out = append(out, card.Clone())
		}
	})
	sortCards(out)
	return out
}

// Stats returns aggregate counts over the index.
func (r *Registry) Stats() Stats {
	stats := Stats{
		ByCapability: make(map[string]int),
		BySpecialty:  make(map[string]int),
	}
	_ = r.do(func(s *state) {
		stats.TotalAgents = len(s.cards)
		stats.EmergencyCapable = len(s.emergency)
		for cap, ids := range s.byCapability {
			stats.ByCapability[string(cap)] = len(ids)
		}
		for sp, ids := range s.bySpecialty {
			stats.BySpecialty[sp] = len(ids)
		}
	})
	return stats
}

func sortCards(cards []*a2a.AgentCard) {
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].SLA.AvailabilityPct != cards[j].SLA.AvailabilityPct {
			return cards[i].SLA.AvailabilityPct > cards[j].SLA.AvailabilityPct
		}
		return cards[i].AgentID < cards[j].AgentID
	})
}
