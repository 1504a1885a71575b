package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchline/branchline/pkg/types"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []*types.OutboundMessage
}

func (s *recordingSender) Send(ctx context.Context, msg *types.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) sent() []*types.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.OutboundMessage(nil), s.msgs...)
}

func TestEnqueueDispatchesToHandler(t *testing.T) {
	got := make(chan *types.InboundMessage, 1)
	r := New(HandlerFunc(func(ctx context.Context, msg *types.InboundMessage) {
		got <- msg
	}), nil)
	r.Start()
	defer r.Stop()

	r.Enqueue(&types.InboundMessage{BranchID: "b1", SenderID: "s1", Payload: []byte("hi")})

	select {
	case msg := <-got:
		assert.Equal(t, "b1", msg.BranchID)
		assert.Equal(t, "s1", msg.SenderID)
	case <-time.After(time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestNilHandlerDiscardsQuietly(t *testing.T) {
	r := New(nil, nil)
	r.Start()
	defer r.Stop()

	for i := 0; i < 20; i++ {
		r.Enqueue(&types.InboundMessage{BranchID: "b1"})
	}
	// Nothing to assert beyond not hanging or panicking.
	time.Sleep(20 * time.Millisecond)
}

func TestHandlerPanicIsContained(t *testing.T) {
	calls := make(chan string, 2)
	r := New(HandlerFunc(func(ctx context.Context, msg *types.InboundMessage) {
		calls <- msg.SenderID
		if msg.SenderID == "boom" {
			panic("handler bug")
		}
	}), nil)
	r.Start()
	defer r.Stop()

	r.Enqueue(&types.InboundMessage{BranchID: "b1", SenderID: "boom"})
	r.Enqueue(&types.InboundMessage{BranchID: "b1", SenderID: "after"})

	for _, want := range []string{"boom", "after"} {
		select {
		case got := <-calls:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("dispatch stopped after panic, waiting for %q", want)
		}
	}
}

func TestSendOutbound(t *testing.T) {
	sender := &recordingSender{}
	r := New(nil, sender)

	require.NoError(t, r.SendOutbound(context.Background(), "b1", "r1", []byte("reply")))
	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "b1", sent[0].BranchID)
	assert.Equal(t, "r1", sent[0].RecipientID)
}

func TestSendOutboundWithoutSender(t *testing.T) {
	r := New(nil, nil)
	assert.Error(t, r.SendOutbound(context.Background(), "b1", "r1", nil))
}

func TestSetSenderWiresReverseEdge(t *testing.T) {
	r := New(nil, nil)
	sender := &recordingSender{}
	r.SetSender(sender)

	require.NoError(t, r.SendOutbound(context.Background(), "b1", "r1", nil))
	assert.Len(t, sender.sent(), 1)
}
