package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/branchline/branchline/pkg/types"
)

func TestMapGatewayReason(t *testing.T) {
	tests := []struct {
		raw  string
		want types.DisconnectReason
	}{
		{"logged_out", types.ReasonLoggedOut},
		{"bad_credentials", types.ReasonBadCredentials},
		{"device_mismatch", types.ReasonDeviceMismatch},
		{"session_replaced", types.ReasonSessionReplaced},
		{"timeout", types.ReasonTimeout},
		{"", types.ReasonConnectionLost},
		{"someday_a_new_reason", types.ReasonConnectionLost},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapGatewayReason(tt.raw), tt.raw)
	}
}

func TestTopicScheme(t *testing.T) {
	tr := &MQTTTransport{branch: &types.BranchConfig{ID: "store-042"}}
	assert.Equal(t, "branchline/v1/store-042/hello", tr.topic("hello"))
	assert.Equal(t, "branchline/v1/store-042/outbox", tr.topic("outbox"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&MQTTConfig{BrokerURL: "tcp://localhost:1883"}).withDefaults()
	assert.Equal(t, 20*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.SendTimeout)

	custom := (&MQTTConfig{ConnectTimeout: time.Second, SendTimeout: 2 * time.Second}).withDefaults()
	assert.Equal(t, time.Second, custom.ConnectTimeout)
	assert.Equal(t, 2*time.Second, custom.SendTimeout)
}

func TestConnectDeadlineClampsToContext(t *testing.T) {
	tr := &MQTTTransport{cfg: MQTTConfig{ConnectTimeout: time.Minute}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.LessOrEqual(t, tr.connectDeadline(ctx), 100*time.Millisecond)

	assert.Equal(t, time.Minute, tr.connectDeadline(context.Background()))
}
