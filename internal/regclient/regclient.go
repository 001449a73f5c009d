// Package regclient is the host side of the wire protocol internal/regapi
// serves: registers this host once at startup and pings it on an interval
// with a system_stats payload, per spec.md §6's
// `POST /server/system/register` / `POST /server/system/ping` contract.
//
// Grounded on the teacher's internal/httpclient timeout conventions
// (bounded per-request context; a failed request is not retried in place,
// Run tries again on the next ping tick) and internal/diskusage for the
// system_stats payload itself.
package regclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/capturehost/hostpipeline/internal/diskusage"
	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/logging"
	"github.com/capturehost/hostpipeline/internal/registry"
)

// PingInterval is how often a registered host re-pings the server,
// comfortably inside the registry's 120s staleness window.
const PingInterval = 60 * time.Second

const requestTimeout = 10 * time.Second

// Device mirrors registry.Device plus the capture root needed to compute
// its disk usage locally.
type Device struct {
	registry.Device
	CaptureRoot string
	RAMMode     bool
}

// Client registers with and pings a captureserver instance.
type Client struct {
	serverURL string
	hostName  string
	hostURL   string
	devices   []Device
	http      *http.Client
	logger    *slog.Logger
}

// New builds a Client. serverURL is the captureserver base address (e.g.
// "http://localhost:8090").
func New(serverURL, hostName, hostURL string, devices []Device) *Client {
	return &Client{
		serverURL: serverURL,
		hostName:  hostName,
		hostURL:   hostURL,
		devices:   devices,
		http:      &http.Client{Timeout: requestTimeout},
		logger:    logging.ForService("regclient"),
	}
}

// Run registers once and then pings every PingInterval until ctx is
// cancelled. A failed register is retried on the next ping tick rather
// than blocking startup.
func (c *Client) Run(ctx context.Context) {
	registered := c.register(ctx)

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !registered {
				registered = c.register(ctx)
				continue
			}
			if !c.ping(ctx) {
				registered = false
			}
		}
	}
}

type registerRequest struct {
	HostName    string            `json:"host_name"`
	HostURL     string            `json:"host_url"`
	Devices     []registry.Device `json:"devices"`
	SystemStats map[string]any    `json:"system_stats"`
}

func (c *Client) register(ctx context.Context) bool {
	req := registerRequest{
		HostName:    c.hostName,
		HostURL:     c.hostURL,
		Devices:     c.deviceList(),
		SystemStats: c.systemStats(),
	}
	if err := c.post(ctx, "/server/system/register", req); err != nil {
		c.logger.Warn("register failed", "error", err)
		return false
	}
	return true
}

type pingRequest struct {
	HostName    string         `json:"host_name"`
	SystemStats map[string]any `json:"system_stats"`
}

func (c *Client) ping(ctx context.Context) bool {
	req := pingRequest{HostName: c.hostName, SystemStats: c.systemStats()}
	if err := c.post(ctx, "/server/system/ping", req); err != nil {
		c.logger.Warn("ping failed", "error", err)
		return false
	}
	return true
}

func (c *Client) deviceList() []registry.Device {
	out := make([]registry.Device, len(c.devices))
	for i, d := range c.devices {
		out[i] = d.Device
	}
	return out
}

// systemStats reports per-device mount usage, keyed by device id, as the
// registry's system_stats payload (spec.md §4.8's EXPANSION).
func (c *Client) systemStats() map[string]any {
	mounts := map[string]any{}
	for _, d := range c.devices {
		resolver := layout.New(d.CaptureRoot, d.RAMMode)
		usage, err := diskusage.StatMount(resolver.DeviceBasePath())
		if err != nil {
			continue
		}
		mounts[d.DeviceID] = map[string]any{
			"total_bytes":     usage.TotalBytes,
			"used_bytes":      usage.UsedBytes,
			"available_bytes": usage.AvailableBytes,
			"used_percent":    usage.UsedPercent,
		}
	}
	return map[string]any{"disk": mounts}
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("regclient: marshal %s: %w", path, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("regclient: build request for %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("regclient: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("regclient: %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
