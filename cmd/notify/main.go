// Command notify sends one test event through whichever notification
// sinks are configured, for verifying MQTT/webhook/shoutrrr delivery
// during bring-up without waiting for a real incident or zap.
//
// Adapted from the teacher's cmd/notify (a flag-driven command that built
// and sent one notification.Notification through notification.GetService)
// generalized from the teacher's toast/push notification shape to this
// repo's eventbus.Event envelope and internal/notify sinks.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/capturehost/hostpipeline/internal/eventbus"
	"github.com/capturehost/hostpipeline/internal/hostconf"
	"github.com/capturehost/hostpipeline/internal/notify"
)

func main() {
	var (
		configPath  string
		hostName    string
		deviceName  string
		kind        string
		fromState   string
		toState     string
		channelName string
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send a test incident or zap event through the configured notification sinks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := hostconf.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return sendTestEvent(settings, hostName, deviceName, kind, fromState, toState, channelName)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the host's YAML config file")
	cmd.Flags().StringVar(&hostName, "host", "test-host", "host name to attribute the event to")
	cmd.Flags().StringVar(&deviceName, "device", "device1", "device name to attribute the event to")
	cmd.Flags().StringVar(&kind, "kind", "incident", "event kind: incident|zap")
	cmd.Flags().StringVar(&fromState, "from", "NORMAL", "incident event: state transitioned from")
	cmd.Flags().StringVar(&toState, "to", "ACTIVE", "incident event: state transitioned to")
	cmd.Flags().StringVar(&channelName, "channel", "Test Channel", "zap event: channel name")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sendTestEvent(settings *hostconf.Settings, hostName, deviceName, kind, fromState, toState, channelName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mqttPub *notify.MQTTPublisher
	if settings.Notify.MQTTBroker != "" {
		mqttPub = notify.NewMQTTPublisher(notify.MQTTConfig{
			Broker:   settings.Notify.MQTTBroker,
			ClientID: settings.Notify.MQTTClientID,
			Username: settings.Notify.MQTTUsername,
			Password: settings.Notify.MQTTPassword,
			Topic:    settings.Notify.MQTTTopic,
		})
		if err := mqttPub.Connect(ctx); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer mqttPub.Disconnect()
	}

	var webhooks []*notify.WebhookProvider
	if settings.Notify.WebhookURL != "" {
		provider, err := notify.NewWebhookProvider("notify-cli", true, []notify.WebhookEndpoint{
			{URL: settings.Notify.WebhookURL, Method: "POST"},
		})
		if err != nil {
			return fmt.Errorf("build webhook provider: %w", err)
		}
		webhooks = append(webhooks, provider)
	}

	var shoutrrrSender *notify.ShoutrrrSender
	if len(settings.Notify.ShoutrrrURLs) > 0 {
		shoutrrrSender = notify.NewShoutrrrSender(settings.Notify.ShoutrrrURLs)
	}

	dispatcher := notify.NewDispatcher("notify-cli", mqttPub, webhooks, shoutrrrSender)

	event := buildEvent(hostName, deviceName, kind, fromState, toState, channelName)
	if err := dispatcher.ProcessEvent(event); err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	fmt.Printf("sent %s event for %s/%s\n", kind, hostName, deviceName)
	return nil
}

func buildEvent(hostName, deviceName, kind, fromState, toState, channelName string) eventbus.Event {
	if kind == "zap" {
		return eventbus.Event{
			Kind:      eventbus.KindZapDetected,
			HostName:  hostName,
			DeviceID:  deviceName,
			Timestamp: time.Now(),
			Payload: eventbus.ZapDetected{
				DeviceName:  deviceName,
				ChannelName: channelName,
				Confidence:  1.0,
			},
		}
	}
	return eventbus.Event{
		Kind:      eventbus.KindIncidentTransition,
		HostName:  hostName,
		DeviceID:  deviceName,
		Timestamp: time.Now(),
		Payload: eventbus.IncidentTransition{
			DeviceName: deviceName,
			Kind:       "blackscreen",
			From:       fromState,
			To:         toState,
		},
	}
}
