package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gofiber/fiber/v2"
	"github.com/nsqio/go-nsq"
)

// Message is what every transport delivers for one command.
type Message struct {
	CommandID        string          `json:"commandId"`
	DeviceExternalID string          `json:"deviceExternalId"`
	SiteExternalID   string          `json:"siteExternalId,omitempty"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	RequestedAt      time.Time       `json:"requestedAt"`
}

// Transport delivers a command to a device. Send must honour ctx's deadline.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
	Close()
}

type TransportConfig struct {
	Kind          string
	APIURL        string
	APIKey        string
	MQTTURL       string
	MQTTUsername  string
	MQTTPassword  string
	MQTTTopicRoot string
	NSQDAddr      string
	NSQTopic      string
}

// ErrNoTransport means no control transport is configured; the gateway
// reports it as CONTROL_CHANNEL_UNCONFIGURED.
var ErrNoTransport = errors.New("no control transport configured")

// NewTransport selects the transport once at startup. An empty kind picks
// the first of http, mqtt, nsq whose address is set.
func NewTransport(cfg TransportConfig) (Transport, error) {
	kind := cfg.Kind
	if kind == "" {
		switch {
		case cfg.APIURL != "":
			kind = "http"
		case cfg.MQTTURL != "":
			kind = "mqtt"
		case cfg.NSQDAddr != "":
			kind = "nsq"
		default:
			return nil, ErrNoTransport
		}
	}
	switch kind {
	case "http":
		if cfg.APIURL == "" {
			return nil, fmt.Errorf("http control transport: %w", ErrNoTransport)
		}
		return NewHTTPTransport(cfg.APIURL, cfg.APIKey), nil
	case "mqtt":
		if cfg.MQTTURL == "" {
			return nil, fmt.Errorf("mqtt control transport: %w", ErrNoTransport)
		}
		return NewMQTTTransport(cfg.MQTTURL, cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTTopicRoot), nil
	case "nsq":
		if cfg.NSQDAddr == "" {
			return nil, fmt.Errorf("nsq control transport: %w", ErrNoTransport)
		}
		return NewNSQTransport(cfg.NSQDAddr, cfg.NSQTopic)
	default:
		return nil, fmt.Errorf("unknown control transport %q", kind)
	}
}

// HTTPTransport posts commands to the vendor control API.
type HTTPTransport struct {
	baseURL string
	apiKey  string
}

func NewHTTPTransport(baseURL, apiKey string) *HTTPTransport {
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (t *HTTPTransport) Name() string { return "http" }
func (t *HTTPTransport) Close()       {}

func (t *HTTPTransport) Send(ctx context.Context, msg Message) error {
	timeout := remaining(ctx)
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	agent := fiber.Post(t.baseURL + "/devices/" + url.PathEscape(msg.DeviceExternalID) + "/commands")
	if t.apiKey != "" {
		agent.Set("x-api-key", t.apiKey)
	}
	agent.JSON(msg)
	agent.Timeout(timeout)
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return err
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if code < 200 || code > 299 {
		return fmt.Errorf("control api returned %d: %s", code, truncate(body, 200))
	}
	return nil
}

// MQTTTransport publishes to {root}/{site}/{device}/commands.
type MQTTTransport struct {
	client mqtt.Client
	root   string
}

func NewMQTTTransport(brokerURL, username, password, root string) *MQTTTransport {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("greenbro-control-" + fmt.Sprint(time.Now().UnixNano())).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	client := mqtt.NewClient(opts)
	client.Connect()
	if root == "" {
		root = "greenbro"
	}
	return &MQTTTransport{client: client, root: root}
}

func (t *MQTTTransport) Name() string { return "mqtt" }
func (t *MQTTTransport) Close()       { t.client.Disconnect(250) }

func (t *MQTTTransport) Topic(msg Message) string {
	if msg.SiteExternalID == "" {
		return t.root + "/" + msg.DeviceExternalID + "/commands"
	}
	return t.root + "/" + msg.SiteExternalID + "/" + msg.DeviceExternalID + "/commands"
}

func (t *MQTTTransport) Send(ctx context.Context, msg Message) error {
	if !t.client.IsConnectionOpen() {
		return errors.New("control broker not connected")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	token := t.client.Publish(t.Topic(msg), 1, false, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NSQTransport publishes commands to an nsqd topic consumed by the device
// bridge.
type NSQTransport struct {
	producer *nsq.Producer
	topic    string
}

func NewNSQTransport(addr, topic string) (*NSQTransport, error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	if topic == "" {
		topic = "device-commands"
	}
	return &NSQTransport{producer: producer, topic: topic}, nil
}

func (t *NSQTransport) Name() string { return "nsq" }
func (t *NSQTransport) Close()       { t.producer.Stop() }

func (t *NSQTransport) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	done := make(chan *nsq.ProducerTransaction, 1)
	if err := t.producer.PublishAsync(t.topic, body, done); err != nil {
		return err
	}
	select {
	case tx := <-done:
		return tx.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 30 * time.Second
	}
	return time.Until(deadline)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
