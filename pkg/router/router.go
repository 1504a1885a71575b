package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/branchline/branchline/pkg/log"
	"github.com/branchline/branchline/pkg/metrics"
	"github.com/branchline/branchline/pkg/types"
)

// Handler consumes inbound messages. Implementations live outside this
// repository (the conversational menu engine, admin command grammar and
// friends); the router only promises it will never call them from the
// transport read loop and never let their panics reach it.
type Handler interface {
	OnInboundMessage(ctx context.Context, msg *types.InboundMessage)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *types.InboundMessage)

func (f HandlerFunc) OnInboundMessage(ctx context.Context, msg *types.InboundMessage) {
	f(ctx, msg)
}

// Sender delivers outbound replies through a branch's live session. The
// fleet supervisor implements this.
type Sender interface {
	Send(ctx context.Context, msg *types.OutboundMessage) error
}

// defaultQueueSize bounds the inbound queue. Enqueue never blocks; when the
// queue is saturated the message is dropped and counted.
const defaultQueueSize = 256

// Router dispatches inbound session events to the conversational handlers
// and relays their replies back out. One worker goroutine drains the queue
// so handlers run strictly off the transport read path.
type Router struct {
	handler Handler
	logger  zerolog.Logger

	queue  chan *types.InboundMessage
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	sender  Sender
	started bool
}

// New creates a router. A nil handler is allowed; inbound messages are then
// counted and discarded, which keeps sessions usable before the business
// layer is wired up.
func New(handler Handler, sender Sender) *Router {
	return &Router{
		handler: handler,
		sender:  sender,
		logger:  log.WithComponent("router"),
		queue:   make(chan *types.InboundMessage, defaultQueueSize),
		stopCh:  make(chan struct{}),
	}
}

// SetSender wires the outbound path after construction. The supervisor is
// built with a handle to the router, so the reverse edge is set here once
// the supervisor exists.
func (r *Router) SetSender(sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = sender
}

// Start launches the dispatch worker.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.run()
}

// Stop drains nothing: it stops the worker and discards whatever is still
// queued. Callers stop routing before tearing sessions down.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
}

// Enqueue hands one inbound message to the router. It returns immediately;
// the transport read loop is never blocked on handler latency.
func (r *Router) Enqueue(msg *types.InboundMessage) {
	select {
	case r.queue <- msg:
		metrics.InboundMessagesTotal.WithLabelValues(msg.BranchID).Inc()
	default:
		metrics.RouterDroppedTotal.Inc()
		r.logger.Warn().
			Str("branch_id", msg.BranchID).
			Str("sender_id", msg.SenderID).
			Msg("inbound queue full, dropping message")
	}
}

// SendOutbound relays a handler reply through the branch's session.
func (r *Router) SendOutbound(ctx context.Context, branchID, recipientID string, payload []byte) error {
	r.mu.RLock()
	sender := r.sender
	r.mu.RUnlock()
	if sender == nil {
		return fmt.Errorf("no sender configured")
	}
	msg := &types.OutboundMessage{
		BranchID:    branchID,
		RecipientID: recipientID,
		Payload:     payload,
	}
	err := sender.Send(ctx, msg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.OutboundMessagesTotal.WithLabelValues(branchID, status).Inc()
	return err
}

func (r *Router) run() {
	defer r.wg.Done()
	for {
		select {
		case msg := <-r.queue:
			r.dispatch(msg)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Router) dispatch(msg *types.InboundMessage) {
	if r.handler == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("branch_id", msg.BranchID).
				Interface("panic", rec).
				Msg("handler panicked")
		}
	}()
	r.handler.OnInboundMessage(context.Background(), msg)
}
