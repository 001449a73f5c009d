// Command captureshost is the host entrypoint (spec.md §2 EXPANSION): it
// wires all seven host-side services from one hostconf.Settings tree and
// one logger, each running as a goroutine under a single
// internal/lifecycle.Supervisor rather than as separate OS processes
// (spec.md §5's re-architecture note).
//
// Grounded on the teacher's cmd/realtime, which plays the same role of
// assembling every subsystem (audio capture, analysis, HTTP server,
// cleanup monitor) behind one Cobra command and one quit signal.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/capturehost/hostpipeline/internal/archiver"
	"github.com/capturehost/hostpipeline/internal/audiowatch"
	"github.com/capturehost/hostpipeline/internal/dbstore"
	"github.com/capturehost/hostpipeline/internal/detect"
	"github.com/capturehost/hostpipeline/internal/dub"
	"github.com/capturehost/hostpipeline/internal/eventbus"
	"github.com/capturehost/hostpipeline/internal/framewatch"
	"github.com/capturehost/hostpipeline/internal/hostconf"
	"github.com/capturehost/hostpipeline/internal/incident"
	"github.com/capturehost/hostpipeline/internal/kpi"
	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/lifecycle"
	"github.com/capturehost/hostpipeline/internal/logging"
	"github.com/capturehost/hostpipeline/internal/notify"
	"github.com/capturehost/hostpipeline/internal/objectstore"
	"github.com/capturehost/hostpipeline/internal/regclient"
	"github.com/capturehost/hostpipeline/internal/registry"
	"github.com/capturehost/hostpipeline/internal/transcribe"
	"github.com/capturehost/hostpipeline/internal/transcript"
	"github.com/capturehost/hostpipeline/internal/translate"
	"github.com/capturehost/hostpipeline/internal/zapping"
)

func main() {
	cmd := &cobra.Command{
		Use:   "captureshost",
		Short: "Run the capture host's event-driven pipeline",
		RunE:  run,
	}
	cmd.Flags().String("config", "", "path to the host's YAML config file")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	settings, err := hostconf.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.SetRotationPolicy(logging.RotationPolicy{
		Mode:      logging.Rotation(settings.Logging.Rotation),
		MaxSizeMB: settings.Logging.MaxSizeMB,
	})

	logger := logging.ForService("captureshost")
	supervisor := lifecycle.New()
	ctx := supervisor.Context()

	store, err := dbstore.Open(settings.Database.Driver, settings.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	supervisor.Register("database", func(context.Context) error { return store.Close() })

	bus := eventbus.New(eventbus.DefaultConfig())
	supervisor.Register("eventbus", func(ctx context.Context) error {
		return bus.Shutdown(5 * time.Second)
	})

	dispatcher, err := buildNotifyDispatcher(ctx, settings)
	if err != nil {
		logger.Warn("notify dispatcher not fully configured", "error", err)
	}
	if dispatcher != nil {
		if err := bus.RegisterConsumer(dispatcher); err != nil {
			logger.Warn("register notify consumer failed", "error", err)
		}
		supervisor.Register("notify", func(context.Context) error {
			dispatcher.Close()
			return nil
		})
	}

	var uploader *objectstore.Store
	if settings.ObjectStore.Bucket != "" {
		uploader, err = objectstore.New(ctx, objectstore.Config{
			Endpoint:     settings.ObjectStore.Endpoint,
			Region:       settings.ObjectStore.Region,
			Bucket:       settings.ObjectStore.Bucket,
			AccessKey:    settings.ObjectStore.AccessKey,
			SecretKey:    settings.ObjectStore.SecretKey,
			UsePathStyle: settings.ObjectStore.UsePathStyle,
			PresignTTL:   15 * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}
	}

	incidents := incident.New(store, bus)
	if settings.Host.Name != "" {
		if err := incidents.ResolveAllOnStartup(settings.Host.Name); err != nil {
			logger.Warn("cold boot incident resolve failed", "error", err)
		}
	}

	// Each service takes its own narrow Uploader interface; a nil
	// *objectstore.Store must never be handed to one directly, since a
	// nil pointer wrapped in a non-nil interface value satisfies a nil
	// check but panics the first time a method runs against it.
	var zapUploader zapping.Uploader
	var framewatchUploader framewatch.Uploader
	var kpiUploader kpi.Uploader
	if uploader != nil {
		zapUploader = uploader
		framewatchUploader = uploader
		kpiUploader = uploader
	}

	zapSvc := zapping.New(unconfiguredBannerDetector{}, zapUploader, store, bus, settings.Zapping.DefaultTeamID)

	devices := buildFramewatchDevices(settings)
	detectCfgFor := func(d framewatch.Device) detect.Config {
		pct := settings.Detect.BlackscreenDarkPctDesktop
		if d.Model == "mobile" {
			pct = settings.Detect.BlackscreenDarkPctMobile
		}
		return detect.Config{
			BlackscreenPixelThreshold: settings.Detect.BlackscreenPixelThreshold,
			BlackscreenDarkPct:        pct,
			FreezeDiffThreshold:       settings.Detect.FreezeDiffThreshold,
			FreezeMaxComparisons:      settings.Detect.FreezeMaxComparisons,
			MacroblockArtifactPct:     settings.Detect.MacroblockArtifactPct,
			MacroblockBlurVariance:    settings.Detect.MacroblockBlurVariance,
		}
	}

	monitor, err := framewatch.New(devices, detectCfgFor, incidents, zapSvc, framewatchUploader)
	if err != nil {
		return fmt.Errorf("build frame monitor: %w", err)
	}
	go func() {
		if err := monitor.Run(ctx); err != nil {
			logger.Error("frame monitor stopped", "error", err)
		}
	}()

	audioWorker := audiowatch.New(buildAudiowatchDevices(settings), incidents, monitor, framewatchUploader)
	go audioWorker.Run(ctx)

	if settings.Registry.ServerURL != "" {
		regClient := regclient.New(settings.Registry.ServerURL, settings.Host.Name, settings.Host.URL, buildRegistryDevices(devices))
		go regClient.Run(ctx)
	}

	kpiSvc := kpi.New(unconfiguredKPIExecutor{}, kpiUploader, store, settings.Paths.KPIWorkingDir)
	go kpiSvc.Run(ctx)
	kpiWatcher, err := kpi.NewWatcher(settings.Paths.KPIQueueDir, kpiSvc)
	if err != nil {
		return fmt.Errorf("build KPI watcher: %w", err)
	}
	if err := kpiWatcher.EnqueueBacklog(); err != nil {
		logger.Warn("KPI backlog scan failed", "error", err)
	}
	go kpiWatcher.Run(ctx)

	translator := buildTranslator()
	supervisor.Register("translator", func(context.Context) error {
		if closer, ok := translator.(interface{ Close() error }); ok {
			return closer.Close()
		}
		return nil
	})
	transcriptSvc := transcript.New(transcribe.NoOpProvider{}, translator, dub.EdgeTTSProvider{}, transcript.NoOpManifestUpdater{})
	go transcriptSvc.Run(ctx)
	for _, d := range devices {
		watcher, err := transcript.NewWatcher(d.ID, d.CaptureRoot, transcriptSvc)
		if err != nil {
			logger.Warn("build transcript watcher failed", "device", d.ID, "error", err)
			continue
		}
		if err := watcher.ScanBacklog(); err != nil {
			logger.Warn("transcript backlog scan failed", "device", d.ID, "error", err)
		}
		go watcher.Run(ctx)
	}

	archiverSvc := archiver.New(archiver.Config{
		HotLimitSegments:  settings.Storage.HotLimitSegments,
		HotLimitOther:     settings.Storage.HotLimitOther,
		RetentionCaptures: settings.Storage.RetentionCaptures,
		RetentionOther:    settings.Storage.RetentionOther,
		HLSTargetDuration: settings.Storage.HLSTargetDuration,
	})
	go archiverSvc.Run(ctx, func() []string {
		dirs, err := layout.CaptureBaseDirectories(settings)
		if err != nil {
			logger.Warn("list capture directories failed", "error", err)
			return nil
		}
		return dirs
	})

	logger.Info("capture host running", "host", settings.Host.Name, "devices", len(devices))
	supervisor.Wait()
	supervisor.Shutdown(10 * time.Second)
	return nil
}

func buildFramewatchDevices(settings *hostconf.Settings) []framewatch.Device {
	devices := []framewatch.Device{{
		ID:           "host",
		Name:         "host",
		CaptureRoot:  settings.Host.VideoCapturePath,
		StreamPath:   settings.Host.VideoStreamPath,
		IsHostDevice: true,
	}}
	for _, d := range settings.Devices {
		devices = append(devices, framewatch.Device{
			ID:          fmt.Sprintf("device%d", d.Index),
			Name:        d.Name,
			Model:       d.Model,
			CaptureRoot: d.CapturePath,
			StreamPath:  d.StreamPath,
		})
	}
	return devices
}

// buildRegistryDevices projects the frame monitor's device list into the
// shape the registry client registers with the server.
func buildRegistryDevices(devices []framewatch.Device) []regclient.Device {
	out := make([]regclient.Device, len(devices))
	for i, d := range devices {
		out[i] = regclient.Device{
			Device: registry.Device{
				DeviceID:    d.ID,
				DeviceName:  d.Name,
				DeviceModel: d.Model,
			},
			CaptureRoot: d.CaptureRoot,
			RAMMode:     d.RAMMode,
		}
	}
	return out
}

// buildAudiowatchDevices builds the audio worker's device list, excluding
// the host device: spec.md §4.4 tracks audio_loss only on set-top-box/
// mobile devices, never on the host's own capture.
func buildAudiowatchDevices(settings *hostconf.Settings) []audiowatch.Device {
	var devices []audiowatch.Device
	for _, d := range settings.Devices {
		devices = append(devices, audiowatch.Device{
			ID:          fmt.Sprintf("device%d", d.Index),
			Name:        d.Name,
			CaptureRoot: d.CapturePath,
		})
	}
	return devices
}

// buildNotifyDispatcher assembles whichever notification sinks are
// configured; it always returns a usable *notify.Dispatcher (leaving out
// only the sink that failed) even when a sink fails to initialize, so one
// bad MQTT broker never prevents webhook/shoutrrr delivery.
func buildNotifyDispatcher(ctx context.Context, settings *hostconf.Settings) (*notify.Dispatcher, error) {
	var mqttPub *notify.MQTTPublisher
	var mqttErr error
	if settings.Notify.MQTTBroker != "" {
		mqttPub = notify.NewMQTTPublisher(notify.MQTTConfig{
			Broker:   settings.Notify.MQTTBroker,
			ClientID: settings.Notify.MQTTClientID,
			Username: settings.Notify.MQTTUsername,
			Password: settings.Notify.MQTTPassword,
			Topic:    settings.Notify.MQTTTopic,
		})
		if err := mqttPub.Connect(ctx); err != nil {
			mqttErr = fmt.Errorf("connect mqtt: %w", err)
			mqttPub = nil
		}
	}

	var webhooks []*notify.WebhookProvider
	if settings.Notify.WebhookURL != "" {
		provider, err := notify.NewWebhookProvider("captureshost", true, []notify.WebhookEndpoint{
			{URL: settings.Notify.WebhookURL, Method: "POST"},
		})
		if err != nil {
			if mqttErr == nil {
				mqttErr = fmt.Errorf("build webhook provider: %w", err)
			}
		} else {
			webhooks = append(webhooks, provider)
		}
	}

	var shoutrrrSender *notify.ShoutrrrSender
	if len(settings.Notify.ShoutrrrURLs) > 0 {
		shoutrrrSender = notify.NewShoutrrrSender(settings.Notify.ShoutrrrURLs)
	}

	return notify.NewDispatcher("captureshost", mqttPub, webhooks, shoutrrrSender), mqttErr
}

func buildTranslator() translate.Provider {
	apiKey := os.Getenv("GOOGLE_TRANSLATE_API_KEY")
	if apiKey == "" {
		return translate.NoOpProvider{}
	}
	provider, err := translate.NewGoogleProvider(context.Background(), apiKey)
	if err != nil {
		return translate.NoOpProvider{}
	}
	return provider
}

// unconfiguredBannerDetector and unconfiguredKPIExecutor satisfy the
// black-box AI/remote-control collaborator interfaces (spec.md §1/§9's
// ML-black-box policy) so the process can start without a vision model or
// device-remote client wired in. A real deployment replaces these with
// whatever banner-reading AI and remote-control executor it operates.
type unconfiguredBannerDetector struct{}

func (unconfiguredBannerDetector) Detect(ctx context.Context, framePath string) (zapping.BannerResult, error) {
	return zapping.BannerResult{}, fmt.Errorf("captureshost: no banner detector configured")
}

type unconfiguredKPIExecutor struct{}

func (unconfiguredKPIExecutor) ExecuteVerifications(ctx context.Context, verifications []kpi.VerificationSpec, userInterfaceName, imageSourceURL, teamID string) (kpi.ExecutionOutcome, error) {
	return kpi.ExecutionOutcome{}, fmt.Errorf("captureshost: no verification executor configured")
}
