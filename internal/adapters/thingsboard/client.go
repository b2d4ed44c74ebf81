package thingsboard

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

// ThingsBoard device API topics.
const (
	TopicAttributes        = "v1/devices/me/attributes"
	TopicAttributesRequest = "v1/devices/me/attributes/request/"
	TopicAttributesReply   = "v1/devices/me/attributes/response/"
	TopicTelemetry         = "v1/devices/me/telemetry"

	// TelemetryKey is the telemetry series the people count is stored under.
	TelemetryKey = "numberOfPeople"
)

var ErrNotConnected = errors.New("thingsboard: not connected")

type Config struct {
	Host               string
	Port               int
	TLS                bool
	CAFile             string
	InsecureSkipVerify bool
	Token              string
	ClientID           string
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
	PublishTimeout     time.Duration
	// RequestTTL bounds how long an unanswered attribute request is kept.
	RequestTTL         time.Duration
}

func (c Config) brokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

func (c Config) tlsConfig() (*tls.Config, error) {
	if !c.TLS {
		return nil, nil
	}
	tc := &tls.Config{
		ServerName:         c.Host,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s holds no certificates", c.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Client is a ThingsBoard device session over MQTT.
type Client struct {
	cfg    Config
	obs    ports.Observability
	client mqtt.Client

	// publish is swapped in tests to capture outgoing messages.
	publish func(topic string, qos byte, payload []byte) error
	now     func() time.Time

	connected atomic.Bool
	closed    atomic.Bool
	requestID atomic.Uint64

	mu        sync.Mutex
	onConnect ports.ConnectHandler
	subs      map[string]ports.AttributeHandler
	pending   map[string]pendingRequest
}

type pendingRequest struct {
	cb   ports.AttributesHandler
	sent time.Time
}

func NewClient(cfg Config, obs ports.Observability) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "visitor-edge-" + uuid.NewString()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = time.Minute
	}
	c := &Client{
		cfg:     cfg,
		obs:     obs,
		subs:    make(map[string]ports.AttributeHandler),
		pending: make(map[string]pendingRequest),
		now:     time.Now,
	}
	c.publish = c.mqttPublish
	return c
}

// Connect starts the session in the background. cb receives nil on every
// (re)connect and an error when the session is lost or refused.
func (c *Client) Connect(cb ports.ConnectHandler) error {
	tc, err := c.cfg.tlsConfig()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.onConnect = cb
	c.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.brokerURL())
	opts.SetClientID(c.cfg.ClientID)
	opts.SetUsername(c.cfg.Token)
	if tc != nil {
		opts.SetTLSConfig(tc)
	}
	if c.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(c.cfg.KeepAlive)
	}
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(c.handleConnected)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		// Replies to requests sent on the lost session never arrive.
		c.mu.Lock()
		clear(c.pending)
		c.mu.Unlock()
		c.obs.LogWarn("mqtt_connection_lost", err, ports.Field{Key: "broker", Value: c.cfg.brokerURL()})
		c.notify(connectivityError(err))
	})

	c.client = mqtt.NewClient(opts)
	c.obs.LogInfo("mqtt_connecting", ports.Field{Key: "broker", Value: c.cfg.brokerURL()})

	token := c.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.obs.LogError("mqtt_connect_failed", err, ports.Field{Key: "broker", Value: c.cfg.brokerURL()})
			c.notify(connectivityError(err))
		}
	}()
	return nil
}

func (c *Client) handleConnected(client mqtt.Client) {
	for topic, handler := range map[string]mqtt.MessageHandler{
		TopicAttributes:            c.onAttributes,
		TopicAttributesReply + "+": c.onAttributesReply,
	} {
		token := client.Subscribe(topic, 1, handler)
		if !token.WaitTimeout(c.cfg.ConnectTimeout) || token.Error() != nil {
			err := token.Error()
			if err == nil {
				err = fmt.Errorf("subscribe %s timed out", topic)
			}
			c.obs.LogError("mqtt_subscribe_failed", err, ports.Field{Key: "topic", Value: topic})
			c.notify(&ports.ConnectivityError{Code: packets.ErrRefusedServerUnavailable, Err: err})
			go c.redial(client)
			return
		}
	}

	c.connected.Store(true)
	c.obs.LogInfo("mqtt_connected", ports.Field{Key: "broker", Value: c.cfg.brokerURL()})
	c.notify(nil)
}

// redial drops a session whose subscriptions failed and connects again, so
// the subscriptions are retried on the next OnConnect.
func (c *Client) redial(client mqtt.Client) {
	client.Disconnect(250)
	if c.closed.Load() {
		return
	}
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		c.obs.LogError("mqtt_redial_failed", err, ports.Field{Key: "broker", Value: c.cfg.brokerURL()})
		c.notify(connectivityError(err))
	}
}

func (c *Client) notify(err error) {
	c.mu.Lock()
	cb := c.onConnect
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// FetchAttributes requests the given shared attributes. cb runs once, when
// the matching response arrives.
func (c *Client) FetchAttributes(keys []string, cb ports.AttributesHandler) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	id := strconv.FormatUint(c.requestID.Add(1), 10)
	payload, err := json.Marshal(map[string]string{"sharedKeys": strings.Join(keys, ",")})
	if err != nil {
		return err
	}

	now := c.now()
	c.mu.Lock()
	for old, req := range c.pending {
		if now.Sub(req.sent) > c.cfg.RequestTTL {
			delete(c.pending, old)
		}
	}
	c.pending[id] = pendingRequest{cb: cb, sent: now}
	c.mu.Unlock()

	if err := c.publish(TopicAttributesRequest+id, 1, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("attribute request: %w", err)
	}
	return nil
}

// SubscribeAttribute routes pushes of one shared attribute to cb. Each key
// has its own handler; a second subscription to the same key replaces it.
func (c *Client) SubscribeAttribute(name string, cb ports.AttributeHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[name] = cb
	return nil
}

func (c *Client) PublishAttributes(attrs map[string]any) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	return c.publish(TopicAttributes, 1, payload)
}

func (c *Client) PublishTelemetry(s domain.Sample) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	payload, err := EncodeTelemetry(s)
	if err != nil {
		return err
	}
	return c.publish(TopicTelemetry, 1, payload)
}

func (c *Client) Close() error {
	c.closed.Store(true)
	c.connected.Store(false)
	if c.client != nil {
		c.client.Disconnect(250)
		c.obs.LogInfo("mqtt_disconnected")
	}
	return nil
}

func (c *Client) mqttPublish(topic string, qos byte, payload []byte) error {
	if c.client == nil {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("publish %s: timeout after %s", topic, c.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) onAttributes(_ mqtt.Client, msg mqtt.Message) {
	c.dispatchAttributes(msg.Payload())
}

func (c *Client) onAttributesReply(_ mqtt.Client, msg mqtt.Message) {
	c.dispatchReply(msg.Topic(), msg.Payload())
}

func (c *Client) dispatchAttributes(payload []byte) {
	update, err := DecodeAttributeUpdate(payload)
	if err != nil {
		c.obs.LogWarn("attribute_update_malformed", err)
		return
	}
	for key, value := range update {
		c.mu.Lock()
		cb := c.subs[key]
		c.mu.Unlock()
		if cb != nil {
			cb(value)
		}
	}
}

func (c *Client) dispatchReply(topic string, payload []byte) {
	id := strings.TrimPrefix(topic, TopicAttributesReply)
	c.mu.Lock()
	req, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.obs.LogDebug("attribute_reply_unmatched", ports.Field{Key: "topic", Value: topic})
		return
	}

	shared, err := DecodeAttributeReply(payload)
	if req.cb != nil {
		req.cb(shared, err)
	}
}

// EncodeTelemetry renders a sample as a timestamped ThingsBoard telemetry record.
func EncodeTelemetry(s domain.Sample) ([]byte, error) {
	return json.Marshal(struct {
		TS     int64          `json:"ts"`
		Values map[string]int `json:"values"`
	}{TS: s.Timestamp, Values: map[string]int{TelemetryKey: s.Count}})
}

// DecodeAttributeReply extracts the shared section of an attribute response.
// A reply without shared attributes yields an empty map.
func DecodeAttributeReply(payload []byte) (map[string]any, error) {
	var reply struct {
		Shared map[string]any `json:"shared"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("decode attribute reply: %w", err)
	}
	if reply.Shared == nil {
		reply.Shared = map[string]any{}
	}
	return reply.Shared, nil
}

// DecodeAttributeUpdate parses a pushed attribute update. Both the flat form
// and the form wrapped in a "shared" object are accepted.
func DecodeAttributeUpdate(payload []byte) (map[string]any, error) {
	var update map[string]any
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, fmt.Errorf("decode attribute update: %w", err)
	}
	if len(update) == 1 {
		if shared, ok := update["shared"].(map[string]any); ok {
			return shared, nil
		}
	}
	return update, nil
}

// connectivityError maps a paho connect or loss error onto a CONNACK code.
func connectivityError(err error) error {
	if err == nil {
		return nil
	}
	for code, known := range packets.ConnErrors {
		if known != nil && errors.Is(err, known) {
			return &ports.ConnectivityError{Code: code, Err: err}
		}
	}
	return &ports.ConnectivityError{Code: packets.ErrRefusedServerUnavailable, Err: err}
}

var _ ports.Connection = (*Client)(nil)
