package feed

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type PahoOptions struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	QoS            byte
}

// PahoDialer connects with paho's own reconnect logic disabled; the Session
// owns reconnect scheduling.
func PahoDialer(o PahoOptions) Dialer {
	return func(onLost func(error)) Conn {
		opts := mqtt.NewClientOptions().
			AddBroker(o.URL).
			SetClientID(o.ClientID).
			SetAutoReconnect(false).
			SetConnectRetry(false).
			SetCleanSession(true).
			SetOrderMatters(true).
			SetConnectTimeout(o.ConnectTimeout).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) { onLost(err) })
		if o.Username != "" {
			opts.SetUsername(o.Username)
			opts.SetPassword(o.Password)
		}
		return &pahoConn{client: mqtt.NewClient(opts), timeout: o.ConnectTimeout, qos: o.QoS}
	}
}

type pahoConn struct {
	client  mqtt.Client
	timeout time.Duration
	qos     byte
}

func (c *pahoConn) Connect(ctx context.Context) error {
	return wait(ctx, c.client.Connect(), c.timeout, "connect")
}

func (c *pahoConn) Subscribe(topic string, handle func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, c.qos, func(_ mqtt.Client, m mqtt.Message) {
		handle(m.Topic(), m.Payload())
	})
	return wait(context.Background(), token, c.timeout, "subscribe")
}

func (c *pahoConn) Disconnect() { c.client.Disconnect(250) }

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration, op string) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-token.Done():
	case <-time.After(timeout):
		return fmt.Errorf("mqtt %s: timed out after %s", op, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}
