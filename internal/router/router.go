package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/carelink-protocol/carelink/internal/audit"
	"github.com/carelink-protocol/carelink/internal/notify"
	"github.com/carelink-protocol/carelink/pkg/a2a"
)

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 4

// ErrClosed is returned when a message is handed to a stopped router.
var ErrClosed = errors.New("router closed")

// HandlerFunc processes one message. ctx carries the urgency-derived
// deadline; handlers must be safely abandonable once it expires.
type HandlerFunc func(ctx context.Context, msg *a2a.Message) (*a2a.Message, error)

type item struct {
	msg    *a2a.Message
	result chan *a2a.Message
}

// Router validates inbound messages, queues them by urgency, and dispatches
// them to per-type handlers under an urgency-derived deadline. A worker pool
// drains the queues in strict priority order: FIFO within a level, higher
// levels always first. Emergency floods can therefore starve low-priority
// traffic; that trade-off is intentional.
type Router struct {
	agentID string
	table   []UrgencyClass

	mu     sync.Mutex
	cond   *sync.Cond
	queues [][]*item
	closed bool

	hmu      sync.RWMutex
	handlers map[a2a.MessageType]HandlerFunc

	auditLog *audit.Logger
	events   *notify.Manager

	totalProcessed uint64
	emergencyCount uint64
	failedCount    uint64
	auditEntries   uint64
	active         int64

	wg sync.WaitGroup
}

// New creates a router with the default urgency table.
func New(agentID string, workers int, auditLog *audit.Logger, events *notify.Manager) *Router {
	return NewWithTable(agentID, DefaultUrgencyTable(), workers, auditLog, events)
}

// NewWithTable creates a router with a custom urgency table, ordered highest
// priority first, and starts its worker pool.
func NewWithTable(agentID string, table []UrgencyClass, workers int, auditLog *audit.Logger, events *notify.Manager) *Router {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	r := &Router{
		agentID:  agentID,
		table:    table,
		queues:   make([][]*item, len(table)),
		handlers: make(map[a2a.MessageType]HandlerFunc),
		auditLog: auditLog,
		events:   events,
	}
	r.cond = sync.NewCond(&r.mu)

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// RegisterHandler binds a handler to a message type. Later registrations
// overwrite earlier ones.
func (r *Router) RegisterHandler(mtype a2a.MessageType, h HandlerFunc) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.handlers[mtype] = h
}

// HandlerTypes returns the message types with a registered handler, sorted.
func (r *Router) HandlerTypes() []a2a.MessageType {
	r.hmu.RLock()
	defer r.hmu.RUnlock()

	types := make([]a2a.MessageType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// classFor maps an urgency to its queue index. Unknown urgencies are treated
// as the lowest class.
func (r *Router) classFor(u a2a.Urgency) int {
	for i, class := range r.table {
		if class.Level == u {
			return i
		}
	}
	return len(r.table) - 1
}

// Process validates, queues and dispatches one message, blocking until a
// worker has produced the outcome. A nil response with nil error means the
// handler legitimately produced no reply.
func (r *Router) Process(ctx context.Context, msg *a2a.Message) (*a2a.Message, error) {
	msg.RecordAccess(r.agentID, "process_start")

	if verr := msg.Validate(); verr != nil {
		msg.AddAudit("rejected:"+string(verr.Reason), verr.Detail)
		atomic.AddUint64(&r.failedCount, 1)
		atomic.AddUint64(&r.auditEntries, uint64(msg.AuditLen()))
		metricFailed.Inc()
		if r.auditLog != nil {
			r.auditLog.Record(audit.EventMessageRejected, msg, "validation rejected", false, verr.Error())
		}
		r.publish("message_rejected", msg, verr.Error())
		return r.errorResponse(msg, string(verr.Reason), verr.Detail), nil
	}

	idx := r.classFor(msg.Urgency)
	it := &item{msg: msg, result: make(chan *a2a.Message, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.queues[idx] = append(r.queues[idx], it)
	msg.AddAudit("routed", "queued at urgency "+string(msg.Urgency))
	metricQueueDepth.WithLabelValues(string(msg.Urgency)).Inc()
	r.cond.Signal()
	r.mu.Unlock()

	select {
	case resp := <-it.result:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// next pops the highest-priority queued item, blocking until one is
// available or the router closes with all queues drained.
func (r *Router) next() (*item, UrgencyClass, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		for i := range r.queues {
			if len(r.queues[i]) > 0 {
				it := r.queues[i][0]
				r.queues[i] = r.queues[i][1:]
				metricQueueDepth.WithLabelValues(string(r.table[i].Level)).Dec()
				return it, r.table[i], true
			}
		}
		if r.closed {
			return nil, UrgencyClass{}, false
		}
		r.cond.Wait()
	}
}

func (r *Router) worker() {
	defer r.wg.Done()
	for {
		it, class, ok := r.next()
		if !ok {
			return
		}
		it.result <- r.dispatch(it.msg, class)
	}
}

type handlerResult struct {
	resp *a2a.Message
	err  error
}

// dispatch runs the handler for one dequeued message under its urgency
// deadline and settles the processing counters.
func (r *Router) dispatch(msg *a2a.Message, class UrgencyClass) *a2a.Message {
	atomic.AddInt64(&r.active, 1)
	metricActive.Inc()
	defer func() {
		atomic.AddInt64(&r.active, -1)
		metricActive.Dec()
	}()

	var resp *a2a.Message
	failed := false

	switch {
	case msg.IsExpired():
		// TTL elapsed while queued: never hand the message to a handler.
		msg.AddAudit("expired", "ttl elapsed before dispatch")
		resp = r.errorResponse(msg, string(a2a.ReasonExpired), "")
		failed = true
		if r.auditLog != nil {
			r.auditLog.Record(audit.EventMessageRejected, msg, "expired before dispatch", false, "expired")
		}

	default:
		r.hmu.RLock()
		h := r.handlers[msg.Type]
		r.hmu.RUnlock()

		if h == nil {
			msg.AddAudit("error", "no handler for "+string(msg.Type))
			resp = r.errorResponse(msg, "no_handler", string(msg.Type))
			failed = true
			if r.auditLog != nil {
				r.auditLog.Record(audit.EventMessageRejected, msg, "no handler registered", false, "no_handler")
			}
			break
		}

		hctx, cancel := context.WithTimeout(context.Background(), class.HandlerTimeout)
		done := make(chan handlerResult, 1)
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					done <- handlerResult{err: fmt.Errorf("handler panic: %v", rec)}
				}
			}()
			hresp, herr := h(hctx, msg)
			done <- handlerResult{resp: hresp, err: herr}
		}()

		select {
		case <-hctx.Done():
			msg.AddAudit("handler_timeout", class.HandlerTimeout.String())
			resp = r.errorResponse(msg, "timeout", class.HandlerTimeout.String())
			failed = true
			if r.auditLog != nil {
				r.auditLog.Record(audit.EventHandlerTimeout, msg, "handler exceeded deadline", false, "timeout")
			}
		case res := <-done:
			if res.err != nil {
				msg.AddAudit("error", res.err.Error())
				resp = r.errorResponse(msg, "handler_error", res.err.Error())
				failed = true
				if r.auditLog != nil {
					r.auditLog.Record(audit.EventMessageRejected, msg, "handler failed", false, res.err.Error())
				}
			} else {
				msg.AddAudit("completed", string(msg.Type))
				resp = res.resp
				if r.auditLog != nil {
					r.auditLog.Record(audit.EventMessageCompleted, msg, "handled "+string(msg.Type), true, "")
				}
			}
		}
		cancel()
	}

	atomic.AddUint64(&r.totalProcessed, 1)
	if msg.Urgency == a2a.UrgencyEmergency {
		atomic.AddUint64(&r.emergencyCount, 1)
		if r.auditLog != nil {
			r.auditLog.Record(audit.EventEmergencyEscalation, msg, "emergency message dispatched", !failed, "")
		}
		r.publish("emergency_dispatched", msg, "")
	}
	if failed {
		atomic.AddUint64(&r.failedCount, 1)
		metricFailed.Inc()
	}
	atomic.AddUint64(&r.auditEntries, uint64(msg.AuditLen()))
	metricProcessed.WithLabelValues(string(msg.Urgency)).Inc()

	r.publish("message_processed", msg, string(msg.Type))
	return resp
}

func (r *Router) publish(eventType string, msg *a2a.Message, summary string) {
	if r.events == nil {
		return
	}
	topic := notify.TopicMessages
	if msg.Urgency == a2a.UrgencyEmergency {
		topic = notify.TopicEmergency
	}
	r.events.Publish(topic, notify.Event{
		Type:      eventType,
		AgentID:   msg.SenderID,
		MessageID: msg.MessageID,
		Summary:   summary,
	})
}

// errorResponse synthesizes a well-formed error message correlated back to
// the offending one. Error responses inherit the original urgency so a
// rejected emergency answer is not deprioritized.
func (r *Router) errorResponse(orig *a2a.Message, reason, detail string) *a2a.Message {
	payload := map[string]interface{}{"error": reason}
	if detail != "" {
		payload["detail"] = detail
	}
	resp := a2a.NewMessage(r.agentID, orig.SenderID, a2a.TypeError, payload, orig.Urgency)
	resp.CorrelationID = orig.MessageID
	return resp
}

// Stats is a snapshot of the router's processing counters.
type Stats struct {
	TotalProcessed    uint64         `json:"total_processed"`
	EmergencyMessages uint64         `json:"emergency_messages"`
	Failed            uint64         `json:"failed"`
	AuditEntries      uint64         `json:"audit_entries"`
	ActiveCount       int64          `json:"active_count"`
	QueueDepths       map[string]int `json:"queue_depths"`
}

// Stats returns the current processing counters and queue depths.
func (r *Router) Stats() Stats {
	depths := make(map[string]int, len(r.table))
	r.mu.Lock()
	for i, class := range r.table {
		depths[string(class.Level)] = len(r.queues[i])
	}
	r.mu.Unlock()

	return Stats{
		TotalProcessed:    atomic.LoadUint64(&r.totalProcessed),
		EmergencyMessages: atomic.LoadUint64(&r.emergencyCount),
		Failed:            atomic.LoadUint64(&r.failedCount),
		AuditEntries:      atomic.LoadUint64(&r.auditEntries),
		ActiveCount:       atomic.LoadInt64(&r.active),
		QueueDepths:       depths,
	}
}

// Close stops accepting messages, lets workers drain the queues, and waits
// for them to exit.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	r.wg.Wait()
}
