package publisher

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventBranchConnected, BranchID: "b1", Message: "branch online"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventBranchConnected, ev.Type)
		assert.Equal(t, "b1", ev.BranchID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishWithoutSubscribersIsNoOp(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventBranchHealth, BranchID: "b1"})
	}
	assert.Zero(t, b.SubscriberCount())
}

func TestSlowSubscriberLosesOldestFirst(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	total := subscriberBuffer + 20
	for i := 0; i < total; i++ {
		b.Publish(&Event{
			Type:     EventBranchHealth,
			BranchID: "b1",
			Message:  fmt.Sprintf("%d", i),
		})
	}

	// Let the distribution loop drain eventCh into the subscriber buffer.
	deadline := time.Now().Add(time.Second)
	for len(sub) < subscriberBuffer && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := make([]string, 0, subscriberBuffer)
	for {
		select {
		case ev := <-sub:
			got = append(got, ev.Message)
		default:
			require.NotEmpty(t, got)
			// The survivors are the newest events, still in order, and the
			// very last publish always survives.
			assert.Equal(t, fmt.Sprintf("%d", total-1), got[len(got)-1])
			for i := 1; i < len(got); i++ {
				prev, err := strconv.Atoi(got[i-1])
				require.NoError(t, err)
				cur, err := strconv.Atoi(got[i])
				require.NoError(t, err)
				assert.Less(t, prev, cur, "delivery order preserved")
			}
			return
		}
	}
}

func TestSnapshotKeepsLatestPerBranchAndType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	b.Publish(&Event{Type: EventBranchConnected, BranchID: "b1", Message: "first"})
	b.Publish(&Event{Type: EventBranchConnected, BranchID: "b1", Message: "second"})
	b.Publish(&Event{Type: EventBranchHealth, BranchID: "b1"})
	b.Publish(&Event{Type: EventBranchConnected, BranchID: "b2"})

	snap := b.Snapshot()
	require.Len(t, snap, 3)

	var connectedB1 *Event
	for _, ev := range snap {
		if ev.BranchID == "b1" && ev.Type == EventBranchConnected {
			connectedB1 = ev
		}
	}
	require.NotNil(t, connectedB1)
	assert.Equal(t, "second", connectedB1.Message)

	for i := 1; i < len(snap); i++ {
		assert.False(t, snap[i].Timestamp.Before(snap[i-1].Timestamp))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Zero(t, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Unsubscribing twice must not panic.
	b.Unsubscribe(sub)
}
