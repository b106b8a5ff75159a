package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
)

const changeEndpointTimeout = 20 * time.Second

// ErrNotConfigured is returned when a rotation is requested without
// proxy credentials installed.
var ErrNotConfigured = errors.New("proxy not configured")

// IPRotator performs real rotations: it calls the provider's change-IP
// endpoint and then verifies the proxy answers through an IP-echo
// service. A 200 from the change endpoint alone does not count as
// success; only the liveness probe distinguishes "IP changed" from
// "proxy subscription dead".
type IPRotator struct {
	cfg    Config
	log    logger.Interface
	client *http.Client
}

// NewIPRotator creates a rotator using the coordinator's config timings.
func NewIPRotator(cfg Config, log logger.Interface) *IPRotator {
	return &IPRotator{
		cfg: cfg,
		log: log,
		client: &http.Client{
			Timeout: changeEndpointTimeout,
		},
	}
}

// Rotate runs the change+verify pair up to MaxAttempts times with
// RetryDelay between attempts.
func (r *IPRotator) Rotate(ctx context.Context, creds *domain.ProxyCredentials) error {
	if creds == nil || !creds.Configured() {
		r.log.Warn("rotation requested without proxy credentials")
		return ErrNotConfigured
	}

	changeURL := creds.ChangeIPURL
	if !strings.Contains(changeURL, "format=json") {
		sep := "?"
		if strings.Contains(changeURL, "?") {
			sep = "&"
		}
		changeURL += sep + "format=json"
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		newIP, err := r.requestChange(ctx, changeURL)
		if err == nil {
			r.log.Info("IP change requested", "new_ip", newIP)
			if probeErr := r.probe(ctx, creds); probeErr == nil {
				r.log.Info("proxy answering after IP change")
				return nil
			} else {
				lastErr = probeErr
				r.log.Warn("IP changed but proxy not answering, subscription may be dead",
					"error", probeErr)
			}
		} else {
			lastErr = err
			r.log.Error("change endpoint call failed",
				"attempt", attempt, "error", err)
		}

		if attempt < r.cfg.MaxAttempts {
			r.log.Info("retrying rotation", "delay", r.cfg.RetryDelay)
			if !sleepCtx(ctx, r.cfg.RetryDelay) {
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("rotation exhausted %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

// requestChange calls the change endpoint and extracts the reported new
// IP, best effort.
func (r *IPRotator) requestChange(ctx context.Context, changeURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, changeURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("building change request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling change endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("change endpoint returned %d", resp.StatusCode)
	}

	newIP := "unknown"
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var payload struct {
			NewIP string `json:"new_ip"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.NewIP != "" {
			newIP = payload.NewIP
		}
	}
	return newIP, nil
}

// probe issues a request through the rotated proxy to the IP-echo
// service and expects a 200.
func (r *IPRotator) probe(ctx context.Context, creds *domain.ProxyCredentials) error {
	proxyURL, err := creds.ProxyURL()
	if err != nil {
		return fmt.Errorf("parsing proxy credentials: %w", err)
	}

	client := &http.Client{
		Timeout: r.cfg.ProbeTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.ProbeURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe through proxy: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 256))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return nil
}
