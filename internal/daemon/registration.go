package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghoststream/ghoststream/internal/config"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
	"github.com/ghoststream/ghoststream/internal/observability"
	"github.com/ghoststream/ghoststream/internal/version"
)

const (
	registerPath      = "/api/ghoststream/servers/register"
	registerTimeout   = 10 * time.Second
	reconnectDelay    = 5 * time.Second
	reconnectMaxDelay = 60 * time.Second
)

// Advertisement is the record a node publishes to the coordinator so
// frontends can discover it.
type Advertisement struct {
	ServerID          string   `json:"server_id"`
	Name              string   `json:"name"`
	URL               string   `json:"url"`
	Version           string   `json:"version"`
	APIVersion        string   `json:"api_version"`
	HWAccels          []string `json:"hw_accels"`
	VideoCodecs       []string `json:"video_codecs"`
	AudioCodecs       []string `json:"audio_codecs"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Platform          string   `json:"platform"`
}

// RegistrationClient keeps this node registered with a GhostHub
// coordinator. Registration is fire-and-forget: failures are retried with
// backoff and never affect job processing.
type RegistrationClient struct {
	logger     *slog.Logger
	cfg        config.GhostHubConfig
	caps       *ffmpeg.Capabilities
	advertised string // this node's base URL, e.g. http://192.168.4.7:8765
	serverID   string
	client     *http.Client

	mu         sync.Mutex
	registered bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewRegistrationClient builds a client for the configured coordinator.
// advertisedURL is the base URL LAN clients should use to reach this node.
func NewRegistrationClient(logger *slog.Logger, cfg config.GhostHubConfig, caps *ffmpeg.Capabilities, advertisedURL string) *RegistrationClient {
	return &RegistrationClient{
		logger:     observability.WithComponent(logger, "registration"),
		cfg:        cfg,
		caps:       caps,
		advertised: advertisedURL,
		serverID:   serverIdentity(),
		client:     &http.Client{Timeout: registerTimeout},
	}
}

// ServerID returns the stable identity advertised to the coordinator.
func (c *RegistrationClient) ServerID() string { return c.serverID }

// Registered reports whether the last registration attempt succeeded.
func (c *RegistrationClient) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Start begins the registration loop. It is a no-op when no coordinator is
// configured or auto-registration is disabled.
func (c *RegistrationClient) Start(ctx context.Context) {
	if c.cfg.URL == "" || !c.cfg.AutoRegister {
		c.logger.Debug("coordinator registration disabled")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop terminates the registration loop and waits for it to exit.
func (c *RegistrationClient) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run registers immediately, retries with backoff until the first success,
// then re-registers at the configured interval so the coordinator can treat
// missed intervals as this node going away.
func (c *RegistrationClient) run(ctx context.Context) {
	defer close(c.done)

	delay := reconnectDelay
	for {
		err := c.register(ctx)

		c.mu.Lock()
		c.registered = err == nil
		c.mu.Unlock()

		var wait time.Duration
		if err != nil {
			c.logger.Warn("coordinator registration failed",
				slog.String("url", c.cfg.URL),
				observability.WithError(err))
			wait = delay
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		} else {
			delay = reconnectDelay
			wait = c.cfg.RegisterInterval
			if wait <= 0 {
				wait = 5 * time.Minute
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// register performs one registration POST.
func (c *RegistrationClient) register(ctx context.Context) error {
	body, err := json.Marshal(c.advertisement())
	if err != nil {
		return fmt.Errorf("encoding advertisement: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.URL, "/") + registerPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator returned %s", resp.Status)
	}

	c.logger.Info("registered with coordinator",
		slog.String("url", c.cfg.URL),
		slog.String("server_id", c.serverID))
	return nil
}

func (c *RegistrationClient) advertisement() Advertisement {
	name := c.cfg.ServerName
	if name == "" {
		if hostname, err := os.Hostname(); err == nil {
			name = hostname
		} else {
			name = version.ApplicationName
		}
	}

	families := make([]string, 0, len(c.caps.AvailableTypes()))
	for _, t := range c.caps.AvailableTypes() {
		families = append(families, string(t))
	}

	return Advertisement{
		ServerID:          c.serverID,
		Name:              name,
		URL:               c.advertised,
		Version:           version.Version,
		APIVersion:        version.APIVersion,
		HWAccels:          families,
		VideoCodecs:       c.caps.VideoCodecs,
		AudioCodecs:       c.caps.AudioCodecs,
		MaxConcurrentJobs: c.caps.MaxConcurrentJobs,
		Platform:          c.caps.Platform,
	}
}

// serverIdentity derives a stable UUID from the hostname and the first
// hardware MAC address, so re-registration after a restart updates the
// existing coordinator entry instead of creating a duplicate.
func serverIdentity() string {
	hostname, _ := os.Hostname()
	seed := hostname + firstMAC()
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(seed)).String()
}

func firstMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
