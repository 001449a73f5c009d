// Package notify fans incident and zap-detection events out to MQTT and
// webhook/shoutrrr sinks. Adapted from the teacher's internal/mqtt
// (connection lifecycle: mutex-guarded client, hostname pre-resolution,
// auto-reconnect, bounded publish timeout) and internal/notification
// (WebhookEndpoint / provider-per-sink / SupportsType filtering) packages,
// generalized from bird-detection toasts to incident-transition and
// zap-detected payloads.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nicholas-fedor/shoutrrr"

	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/eventbus"
	"github.com/capturehost/hostpipeline/internal/logging"
)

// MQTTConfig mirrors the teacher's mqtt.Config shape.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // base topic; device id is appended
}

// MQTTPublisher publishes incident/zap events to an MQTT broker. Connection
// handling (hostname resolution before dialing, auto-reconnect, bounded
// publish timeout) is the teacher's internal/mqtt/client.go pattern.
type MQTTPublisher struct {
	config MQTTConfig
	mu     sync.Mutex
	client mqtt.Client
	logger *slog.Logger
}

// NewMQTTPublisher creates a publisher that is not yet connected; call
// Connect before Publish.
func NewMQTTPublisher(cfg MQTTConfig) *MQTTPublisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "capturehost"
	}
	return &MQTTPublisher{config: cfg, logger: logging.ForService("notify-mqtt")}
}

// Connect resolves the broker hostname and dials it, mirroring the
// teacher's resolveBrokerHostname + Connect sequence.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.resolveBrokerHostname(); err != nil {
		return errors.Newf("resolve mqtt broker hostname: %w", err).
			Component("notify").Category(errors.CategoryNetwork).Build()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.config.Broker)
	opts.SetClientID(p.config.ClientID)
	opts.SetUsername(p.config.Username)
	opts.SetPassword(p.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.Newf("mqtt connect timeout").Component("notify").Category(errors.CategoryTimeout).Build()
	}
	if err := token.Error(); err != nil {
		return errors.Newf("mqtt connect: %w", err).Component("notify").Category(errors.CategoryNetwork).Build()
	}
	return nil
}

func (p *MQTTPublisher) resolveBrokerHostname() error {
	u, err := url.Parse(p.config.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil
	}
	if _, err := net.LookupHost(host); err != nil {
		return fmt.Errorf("resolve hostname %s: %w", host, err)
	}
	return nil
}

// IsConnected reports whether the underlying client is connected.
func (p *MQTTPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil && p.client.IsConnected()
}

// Disconnect closes the connection.
func (p *MQTTPublisher) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// Publish sends event as a JSON payload under <topic>/<device id>.
func (p *MQTTPublisher) Publish(ctx context.Context, event eventbus.Event) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return errors.Newf("mqtt publisher not connected").Component("notify").Category(errors.CategoryNetwork).Build()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Newf("marshal event: %w", err).Component("notify").Category(errors.CategorySerialization).Build()
	}

	topic := fmt.Sprintf("%s/%s", strings.TrimSuffix(p.config.Topic, "/"), event.DeviceID)
	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.Newf("mqtt publish timeout").Component("notify").Category(errors.CategoryTimeout).Build()
	}
	return token.Error()
}

// WebhookEndpoint is one HTTP sink a webhook provider posts to, mirroring
// the teacher's notification.WebhookEndpoint.
type WebhookEndpoint struct {
	URL    string
	Method string
}

// WebhookProvider posts incident/zap events as JSON to a set of HTTP
// endpoints, grounded on the teacher's NewWebhookProvider shape (name,
// enabled flag, endpoint list, type filter).
type WebhookProvider struct {
	name      string
	enabled   bool
	endpoints []WebhookEndpoint
	client    *http.Client
}

// NewWebhookProvider constructs a provider posting to endpoints whenever
// enabled is true.
func NewWebhookProvider(name string, enabled bool, endpoints []WebhookEndpoint) (*WebhookProvider, error) {
	if enabled && len(endpoints) == 0 {
		return nil, errors.Newf("webhook provider %q enabled with no endpoints", name).
			Component("notify").Category(errors.CategoryConfiguration).Build()
	}
	return &WebhookProvider{
		name:      name,
		enabled:   enabled,
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (p *WebhookProvider) GetName() string { return p.name }
func (p *WebhookProvider) IsEnabled() bool { return p.enabled }

// Send posts event to every configured endpoint, collecting the first
// error encountered but continuing to try the remaining endpoints.
func (p *WebhookProvider) Send(ctx context.Context, event eventbus.Event) error {
	if !p.enabled {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return errors.Newf("marshal event: %w", err).Component("notify").Category(errors.CategorySerialization).Build()
	}

	var firstErr error
	for _, ep := range p.endpoints {
		method := ep.Method
		if method == "" {
			method = http.MethodPost
		}
		req, err := http.NewRequestWithContext(ctx, method, ep.URL, strings.NewReader(string(body)))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 && firstErr == nil {
			firstErr = errors.Newf("webhook %s returned status %d", ep.URL, resp.StatusCode).
				Component("notify").Category(errors.CategoryNetwork).Build()
		}
	}
	return firstErr
}

// ShoutrrrSender fans an event out to any shoutrrr-compatible service URL
// (Telegram, Discord, Slack, ...), wired against the real shoutrrr library
// rather than hand-rolled per-service clients.
type ShoutrrrSender struct {
	urls []string
}

// NewShoutrrrSender builds a sender for the given shoutrrr service URLs.
func NewShoutrrrSender(urls []string) *ShoutrrrSender {
	return &ShoutrrrSender{urls: urls}
}

// Send renders event as a single-line message and delivers it through
// every configured shoutrrr URL.
func (s *ShoutrrrSender) Send(event eventbus.Event) error {
	if len(s.urls) == 0 {
		return nil
	}
	message := formatMessage(event)

	var firstErr error
	for _, u := range s.urls {
		if err := shoutrrr.Send(u, message); err != nil {
			if firstErr == nil {
				firstErr = errors.Newf("shoutrrr send: %w", err).
					Component("notify").Category(errors.CategoryNetwork).Build()
			}
		}
	}
	return firstErr
}

func formatMessage(event eventbus.Event) string {
	switch p := event.Payload.(type) {
	case eventbus.IncidentTransition:
		return fmt.Sprintf("[%s] %s %s: %s -> %s", event.HostName, p.DeviceName, p.Kind, p.From, p.To)
	case eventbus.ZapDetected:
		return fmt.Sprintf("[%s] %s zapped to %s (%s)", event.HostName, p.DeviceName, p.ChannelName, p.ChannelNumber)
	default:
		return fmt.Sprintf("[%s] event %s on device %s", event.HostName, event.Kind, event.DeviceID)
	}
}

// Dispatcher is an eventbus.Consumer that fans events out to every
// configured sink, swallowing individual sink failures so one broken
// webhook never blocks MQTT delivery or vice versa.
type Dispatcher struct {
	name     string
	mqtt     *MQTTPublisher
	webhooks []*WebhookProvider
	shoutrrr *ShoutrrrSender
	logger   *slog.Logger
}

// NewDispatcher assembles a Consumer from whichever sinks are configured;
// any of mqttPub, webhooks, shoutrrrSender may be nil/empty to disable
// that sink.
func NewDispatcher(name string, mqttPub *MQTTPublisher, webhooks []*WebhookProvider, shoutrrrSender *ShoutrrrSender) *Dispatcher {
	return &Dispatcher{name: name, mqtt: mqttPub, webhooks: webhooks, shoutrrr: shoutrrrSender, logger: logging.ForService("notify-dispatch")}
}

func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) ProcessEvent(event eventbus.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	if d.mqtt != nil && d.mqtt.IsConnected() {
		if err := d.mqtt.Publish(ctx, event); err != nil {
			d.logger.Error("mqtt publish failed", "error", err)
			lastErr = err
		}
	}
	for _, wh := range d.webhooks {
		if err := wh.Send(ctx, event); err != nil {
			d.logger.Error("webhook send failed", "provider", wh.GetName(), "error", err)
			lastErr = err
		}
	}
	if d.shoutrrr != nil {
		if err := d.shoutrrr.Send(event); err != nil {
			d.logger.Error("shoutrrr send failed", "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// Close disconnects the MQTT sink, if one is configured. Webhook and
// shoutrrr sinks are stateless HTTP calls and need no teardown.
func (d *Dispatcher) Close() {
	if d.mqtt != nil {
		d.mqtt.Disconnect()
	}
}

var _ eventbus.Consumer = (*Dispatcher)(nil)
