// Package mqtt implements radio.Radio over an MQTT broker, for mesh nodes
// that reach each other (or a bridging gateway) across an IP uplink rather
// than a direct PHY radio. Mesh frames are packed and base64-encoded onto
// a per-mesh topic, mirroring how a physical radio packs several frames
// into one on-air transmission.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/haglund-iot/meshhop/core/frame"
	"github.com/haglund-iot/meshhop/device/radio"
)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix for mesh traffic.
	DefaultTopicPrefix = "meshhop"
	// DefaultMaxSize bounds each mesh frame's payload length when frames
	// are encoded for or decoded from one transmission.
	DefaultMaxSize = 512
	// inboxSize is the depth of the buffered channel carrying decoded
	// incoming payloads from the paho callback goroutine to Listen.
	inboxSize = 32
)

// Config configures an MQTT radio.
type Config struct {
	// Broker is the MQTT broker URL (e.g. "tcp://broker.example.com:1883").
	Broker string
	// Username/Password authenticate against the broker. Leave empty if not required.
	Username string
	Password string
	// UseTLS enables TLS for the broker connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. A random one is generated if empty.
	ClientID string
	// TopicPrefix is the MQTT topic prefix. Defaults to "meshhop".
	TopicPrefix string
	// MeshID identifies this mesh; the radio subscribes and publishes to
	// "{TopicPrefix}/{MeshID}".
	MeshID string
	// MaxSize bounds each mesh frame's payload length on Transmit and
	// Receive; the size of the packed transmission as a whole is not
	// bounded. Defaults to 512.
	MaxSize int
	// Logger receives connection and decode-failure logging. Falls back to
	// slog.Default() if nil.
	Logger *slog.Logger
}

// Radio implements radio.Radio over MQTT.
type Radio struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool

	inbox chan []byte
}

var _ radio.Radio = (*Radio)(nil)

// connection carries the decoded payload bytes a prior Listen call pulled
// off the inbox, ready for Receive to unpack into frames.
type connection struct {
	payload []byte
}

// Connect dials the broker and subscribes to the mesh's topic. The
// returned Radio is ready for Listen/Receive/Transmit.
func Connect(cfg Config) (*Radio, error) {
	if cfg.Broker == "" {
		return nil, &radio.Error{Kind: radio.KindOp, Op: "connect", Err: errors.New("broker URL is required")}
	}
	if cfg.MeshID == "" {
		return nil, &radio.Error{Kind: radio.KindOp, Op: "connect", Err: errors.New("mesh ID is required")}
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Radio{
		cfg:   cfg,
		log:   logger.WithGroup("radio.mqtt"),
		inbox: make(chan []byte, inboxSize),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "meshhop-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(r.onConnected).
		SetConnectionLostHandler(r.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	r.client = paho.NewClient(opts)

	token := r.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, &radio.Error{Kind: radio.KindOp, Op: "connect", Err: errors.New("connection timeout")}
	}
	if token.Error() != nil {
		return nil, &radio.Error{Kind: radio.KindOp, Op: "connect", Err: fmt.Errorf("connecting to broker: %w", token.Error())}
	}

	return r, nil
}

// Close disconnects from the broker.
func (r *Radio) Close() error {
	r.client.Disconnect(1000)
	return nil
}

func (r *Radio) topic() string {
	return r.cfg.TopicPrefix + "/" + r.cfg.MeshID
}

func (r *Radio) onConnected(_ paho.Client) {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()

	topic := r.topic()
	r.client.Subscribe(topic, 0, r.handleMessage)
	r.log.Info("connected to MQTT broker", "broker", r.cfg.Broker, "topic", topic)
}

func (r *Radio) onConnectionLost(_ paho.Client, err error) {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	r.log.Error("MQTT connection lost", "error", err)
}

func (r *Radio) handleMessage(_ paho.Client, message paho.Message) {
	raw, err := base64.StdEncoding.DecodeString(string(message.Payload()))
	if err != nil {
		r.log.Debug("failed to decode base64 payload", "error", err)
		return
	}

	select {
	case r.inbox <- raw:
	default:
		r.log.Debug("inbox full, dropping incoming payload")
	}
}

// Listen blocks until a payload arrives on the subscribed topic, or ctx is done.
func (r *Radio) Listen(ctx context.Context, withTimeout bool) (radio.Connection, error) {
	select {
	case raw := <-r.inbox:
		return &connection{payload: raw}, nil
	case <-ctx.Done():
		return nil, &radio.Error{Kind: radio.KindReceiveTimeout, Op: "listen", Err: ctx.Err()}
	}
}

// Receive decodes up to maxFrames mesh frames from the payload captured by
// a prior Listen call.
func (r *Radio) Receive(ctx context.Context, conn radio.Connection, maxFrames int) ([]*frame.Frame, error) {
	c, ok := conn.(*connection)
	if !ok {
		return nil, &radio.Error{Kind: radio.KindOp, Op: "receive", Err: errors.New("connection not from this radio")}
	}

	frames, dropped := frame.DecodeAll(c.payload, r.cfg.MaxSize)
	if dropped > 0 {
		r.log.Debug("dropped malformed frames while decoding mqtt payload", "count", dropped)
	}
	if len(frames) > maxFrames {
		frames = frames[:maxFrames]
	}
	return frames, nil
}

// Transmit packs frames, base64-encodes them, and publishes to the mesh topic.
func (r *Radio) Transmit(ctx context.Context, frames []*frame.Frame) error {
	r.mu.RLock()
	connected := r.connected
	r.mu.RUnlock()
	if !connected {
		return &radio.Error{Kind: radio.KindOp, Op: "transmit", Err: errors.New("not connected")}
	}

	var packed []byte
	for _, f := range frames {
		enc, err := f.Encode(r.cfg.MaxSize)
		if err != nil {
			return &radio.Error{Kind: radio.KindPayloadSizeUnexpected, Op: "transmit", Err: err}
		}
		packed = append(packed, enc...)
	}

	payload := base64.StdEncoding.EncodeToString(packed)
	token := r.client.Publish(r.topic(), 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return &radio.Error{Kind: radio.KindOp, Op: "transmit", Err: errors.New("timeout publishing to MQTT")}
	}
	if err := token.Error(); err != nil {
		return &radio.Error{Kind: radio.KindOp, Op: "transmit", Err: err}
	}
	return nil
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
