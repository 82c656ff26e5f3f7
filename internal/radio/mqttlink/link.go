// Package mqttlink implements the radio adapter over an MQTT broker bridged
// to the BLE gateway. The gateway mirrors bottle advertisements and
// characteristic traffic onto a small topic tree:
//
//	bottle/adv                    advertisements while any scan is active
//	bottle/<id>/presence          liveness beacons for a connected bottle
//	bottle/<id>/cmd               link commands (open, close)
//	bottle/<id>/notify/<char>     characteristic notifications
//	bottle/<id>/write/<char>      characteristic writes
package mqttlink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"aquatrack/internal/model"
	"aquatrack/internal/radio"
)

const (
	advTopic         = "bottle/adv"
	presenceWildcard = "bottle/+/presence"
	presenceFresh    = 6 * time.Second
)

// Config holds broker settings.
type Config struct {
	BrokerURL string `yaml:"brokerUrl" env:"RADIO_BROKER_URL"`
	ClientID  string `yaml:"clientId" env:"RADIO_CLIENT_ID"`
	Username  string `yaml:"username" env:"RADIO_USERNAME"`
	Password  string `yaml:"password" env:"RADIO_PASSWORD"`
}

// Link is the MQTT-backed radio adapter.
type Link struct {
	client mqtt.Client
	logger *zap.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
	waiters  map[string]chan struct{}
}

// NewLink connects to the broker with bounded exponential backoff and starts
// tracking presence beacons.
func NewLink(cfg Config, logger *zap.Logger) (*Link, error) {
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return nil, fmt.Errorf("mqttlink: broker url is empty")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	}, backoff.WithMaxRetries(bo, 4))
	if err != nil {
		return nil, fmt.Errorf("mqttlink: connect broker: %w", err)
	}

	l := &Link{
		client:   client,
		logger:   logger,
		lastSeen: make(map[string]time.Time),
		waiters:  make(map[string]chan struct{}),
	}

	token := client.Subscribe(presenceWildcard, 1, l.onPresence)
	if token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqttlink: subscribe presence: %w", token.Error())
	}

	return l, nil
}

func (l *Link) onPresence(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 3 {
		return
	}
	deviceID := parts[1]

	l.mu.Lock()
	l.lastSeen[deviceID] = time.Now()
	if waiter, ok := l.waiters[deviceID]; ok {
		close(waiter)
		delete(l.waiters, deviceID)
	}
	l.mu.Unlock()
}

// Scan subscribes to the advertisement topic and streams matching devices
// until ctx is cancelled.
func (l *Link) Scan(ctx context.Context, nameFilter string) (<-chan radio.Advertisement, error) {
	out := make(chan radio.Advertisement, 16)

	token := l.client.Subscribe(advTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var adv struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			RSSI int    `json:"rssi"`
		}
		if err := json.Unmarshal(msg.Payload(), &adv); err != nil || adv.ID == "" {
			return
		}
		if nameFilter != "" && !strings.Contains(adv.Name, nameFilter) {
			return
		}
		select {
		case out <- radio.Advertisement{
			Device: model.Device{ID: adv.ID, Name: adv.Name},
			RSSI:   adv.RSSI,
			SeenAt: time.Now(),
		}:
		default:
			// scan consumer is behind; advertisements repeat anyway
		}
	})
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttlink: subscribe adv: %w", token.Error())
	}

	go func() {
		<-ctx.Done()
		unsub := l.client.Unsubscribe(advTopic)
		unsub.Wait()
		close(out)
	}()

	return out, nil
}

// Connect asks the gateway to open a link and waits for the first presence
// beacon within timeout.
func (l *Link) Connect(ctx context.Context, deviceID string, timeout time.Duration) (radio.Connection, error) {
	waiter := make(chan struct{})
	l.mu.Lock()
	if existing, ok := l.waiters[deviceID]; ok {
		waiter = existing
	} else {
		l.waiters[deviceID] = waiter
	}
	l.mu.Unlock()

	token := l.client.Publish(cmdTopic(deviceID), 1, false, `{"cmd":"open"}`)
	if token.Wait() && token.Error() != nil {
		l.dropWaiter(deviceID)
		return nil, fmt.Errorf("mqttlink: open %s: %w", deviceID, token.Error())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waiter:
		return &connection{link: l, deviceID: deviceID}, nil
	case <-timer.C:
		l.dropWaiter(deviceID)
		return nil, fmt.Errorf("mqttlink: connect %s: %w", deviceID, context.DeadlineExceeded)
	case <-ctx.Done():
		l.dropWaiter(deviceID)
		return nil, ctx.Err()
	}
}

func (l *Link) dropWaiter(deviceID string) {
	l.mu.Lock()
	delete(l.waiters, deviceID)
	l.mu.Unlock()
}

// IsConnected reports whether a presence beacon arrived recently.
func (l *Link) IsConnected(deviceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen, ok := l.lastSeen[deviceID]
	return ok && time.Since(seen) < presenceFresh
}

// Close disconnects from the broker.
func (l *Link) Close() {
	l.client.Disconnect(250)
}

func cmdTopic(deviceID string) string {
	return fmt.Sprintf("bottle/%s/cmd", deviceID)
}

type connection struct {
	link     *Link
	deviceID string
	mu       sync.Mutex
	topics   []string
}

func (c *connection) Subscribe(serviceID, charID string, handler radio.NotifyHandler) error {
	topic := fmt.Sprintf("bottle/%s/notify/%s", c.deviceID, charID)
	token := c.link.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttlink: subscribe %s/%s: %w", serviceID, charID, token.Error())
	}
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.mu.Unlock()
	return nil
}

func (c *connection) Write(serviceID, charID string, payload []byte) error {
	topic := fmt.Sprintf("bottle/%s/write/%s", c.deviceID, charID)
	token := c.link.client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttlink: write %s/%s: %w", serviceID, charID, token.Error())
	}
	return nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	topics := append([]string(nil), c.topics...)
	c.topics = nil
	c.mu.Unlock()

	for _, topic := range topics {
		unsub := c.link.client.Unsubscribe(topic)
		unsub.Wait()
	}

	token := c.link.client.Publish(cmdTopic(c.deviceID), 1, false, `{"cmd":"close"}`)
	token.Wait()

	c.link.mu.Lock()
	delete(c.link.lastSeen, c.deviceID)
	c.link.mu.Unlock()
	return nil
}
