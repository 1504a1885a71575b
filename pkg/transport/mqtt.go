package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/branchline/branchline/pkg/log"
	"github.com/branchline/branchline/pkg/types"
)

// MQTTConfig configures the MQTT-backed transport.
type MQTTConfig struct {
	BrokerURL      string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
}

func (c *MQTTConfig) withDefaults() MQTTConfig {
	out := *c
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 20 * time.Second
	}
	if out.SendTimeout == 0 {
		out.SendTimeout = 10 * time.Second
	}
	return out
}

// MQTTDialer builds MQTT transports against one broker.
type MQTTDialer struct {
	cfg MQTTConfig
}

// NewMQTTDialer creates a dialer for the given broker configuration.
func NewMQTTDialer(cfg MQTTConfig) *MQTTDialer {
	return &MQTTDialer{cfg: cfg.withDefaults()}
}

func (d *MQTTDialer) Dial(branch *types.BranchConfig) (Transport, error) {
	if branch == nil || branch.ID == "" {
		return nil, fmt.Errorf("branch config with id required")
	}
	return &MQTTTransport{
		cfg:    d.cfg,
		branch: branch,
		events: make(chan Event, eventBuffer),
		logger: log.WithBranchID("mqtt_transport", branch.ID),
	}, nil
}

const eventBuffer = 64

// gatewayStatus is the envelope the messaging gateway publishes on a
// branch's status topic.
type gatewayStatus struct {
	Event     string `json:"event"` // "pairing", "connected", "disconnected"
	Identity  string `json:"identity,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// sessionHello is published on connect to authenticate (or request pairing
// when no credentials exist yet).
type sessionHello struct {
	BranchID string `json:"branch_id"`
	DeviceID string `json:"device_id,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
}

// MQTTTransport runs one branch session over an MQTT gateway. One instance
// backs one connection attempt; the owning session closes it and dials a
// fresh one on reconnect.
type MQTTTransport struct {
	cfg    MQTTConfig
	branch *types.BranchConfig
	logger zerolog.Logger

	client mqtt.Client

	events    chan Event
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (t *MQTTTransport) Connect(ctx context.Context, creds *types.Credentials) error {
	clientID := "branchline-" + t.branch.ID
	if creds != nil && creds.DeviceID != "" {
		clientID = creds.DeviceID
	}

	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.BrokerURL).
		SetClientID(clientID).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetCleanSession(true).
		// Reconnects are the session owner's job, routed through the
		// reconnection policy. The client must not fight it.
		SetAutoReconnect(false)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.logger.Warn().Err(err).Msg("transport connection lost")
		t.emit(DisconnectedEvent{Reason: types.ReasonConnectionLost, Message: err.Error()})
	})

	t.client = mqtt.NewClient(opts)

	token := t.client.Connect()
	if !token.WaitTimeout(t.connectDeadline(ctx)) {
		return fmt.Errorf("connect to %s: %w", t.cfg.BrokerURL, context.DeadlineExceeded)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", t.cfg.BrokerURL, err)
	}

	if err := t.subscribeAll(); err != nil {
		t.client.Disconnect(250)
		return err
	}

	hello := sessionHello{BranchID: t.branch.ID}
	if creds != nil {
		hello.DeviceID = creds.DeviceID
		hello.Payload = creds.Payload
	}
	if err := t.publishJSON(t.topic("hello"), hello); err != nil {
		t.client.Disconnect(250)
		return fmt.Errorf("publish session hello: %w", err)
	}

	return nil
}

func (t *MQTTTransport) subscribeAll() error {
	subs := map[string]mqtt.MessageHandler{
		t.topic("status"):      t.handleStatus,
		t.topic("inbox"):       t.handleInbound,
		t.topic("credentials"): t.handleCredentials,
	}
	for topic, handler := range subs {
		token := t.client.Subscribe(topic, 1, handler)
		if !token.WaitTimeout(t.cfg.SendTimeout) {
			return fmt.Errorf("subscribe %s: timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (t *MQTTTransport) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	var status gatewayStatus
	if err := json.Unmarshal(msg.Payload(), &status); err != nil {
		t.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("bad status payload")
		return
	}

	switch status.Event {
	case "pairing":
		t.emit(PairingChallengeEvent{Challenge: status.Challenge, IssuedAt: time.Now()})
	case "connected":
		t.emit(ConnectedEvent{Identity: status.Identity})
	case "disconnected":
		t.emit(DisconnectedEvent{Reason: mapGatewayReason(status.Reason), Message: status.Message})
	default:
		t.logger.Debug().Str("event", status.Event).Msg("ignoring unknown gateway event")
	}
}

func (t *MQTTTransport) handleInbound(_ mqtt.Client, msg mqtt.Message) {
	var inbound struct {
		SenderID string            `json:"sender_id"`
		Payload  []byte            `json:"payload"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if err := json.Unmarshal(msg.Payload(), &inbound); err != nil {
		t.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("bad inbound payload")
		return
	}
	t.emit(MessageEvent{
		SenderID:   inbound.SenderID,
		Payload:    inbound.Payload,
		Metadata:   inbound.Metadata,
		ReceivedAt: time.Now(),
	})
}

func (t *MQTTTransport) handleCredentials(_ mqtt.Client, msg mqtt.Message) {
	var creds types.Credentials
	if err := json.Unmarshal(msg.Payload(), &creds); err != nil {
		t.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("bad credentials payload")
		return
	}
	creds.BranchID = t.branch.ID
	t.emit(CredentialsUpdateEvent{Credentials: &creds})
}

func (t *MQTTTransport) Events() <-chan Event {
	return t.events
}

func (t *MQTTTransport) Send(ctx context.Context, msg *types.OutboundMessage) error {
	if t.client == nil || !t.client.IsConnectionOpen() {
		return fmt.Errorf("transport not connected")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	token := t.client.Publish(t.topic("outbox"), 1, false, payload)
	timeout := t.cfg.SendTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("send to %s: %w", msg.RecipientID, context.DeadlineExceeded)
	}
	return token.Error()
}

func (t *MQTTTransport) Alive() bool {
	return t.client != nil && t.client.IsConnectionOpen()
}

func (t *MQTTTransport) Logout(ctx context.Context) error {
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil
	}
	// Best effort: tell the gateway to retire the server-side session.
	if err := t.publishJSON(t.topic("logout"), sessionHello{BranchID: t.branch.ID}); err != nil {
		t.logger.Warn().Err(err).Msg("logout publish failed")
	}
	return nil
}

func (t *MQTTTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		if t.client != nil && t.client.IsConnectionOpen() {
			t.client.Disconnect(250)
		}
		close(t.events)
	})
	return nil
}

func (t *MQTTTransport) connectDeadline(ctx context.Context) time.Duration {
	timeout := t.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	return timeout
}

func (t *MQTTTransport) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := t.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(t.cfg.SendTimeout) {
		return fmt.Errorf("publish %s: %w", topic, context.DeadlineExceeded)
	}
	return token.Error()
}

// emit pushes an event without ever blocking the broker's read loop. A
// stalled session loop loses the oldest buffered event, not the connection.
func (t *MQTTTransport) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for {
		select {
		case t.events <- ev:
			return
		default:
			select {
			case <-t.events:
				t.logger.Warn().Msg("event buffer full, dropping oldest")
			default:
			}
		}
	}
}

func (t *MQTTTransport) topic(kind string) string {
	return fmt.Sprintf("branchline/v1/%s/%s", t.branch.ID, kind)
}

func mapGatewayReason(reason string) types.DisconnectReason {
	switch reason {
	case "logged_out":
		return types.ReasonLoggedOut
	case "bad_credentials":
		return types.ReasonBadCredentials
	case "device_mismatch":
		return types.ReasonDeviceMismatch
	case "session_replaced":
		return types.ReasonSessionReplaced
	case "timeout":
		return types.ReasonTimeout
	default:
		return types.ReasonConnectionLost
	}
}
