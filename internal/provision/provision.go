// Package provision keeps the registry in step with the manufacturer's
// device manifest.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"irrigation-registry-backend/config"
	"irrigation-registry-backend/internal/model"
)

// Provisioner accepts a batch of manufactured devices.
type Provisioner interface {
	ProvisionMany(ctx context.Context, devices []model.Device) error
}

// Service pulls the manifest and provisions every listed device.
type Service struct {
	cfg      config.ProvisionConfig
	registry Provisioner
	client   *http.Client
	log      *zap.Logger
}

// NewService creates a provisioning sync service.
func NewService(cfg config.ProvisionConfig, registry Provisioner, log *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		registry: registry,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.Named("provision"),
	}
}

// Run syncs immediately and then once per configured interval.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("provisioning sync is disabled")
		return
	}
	s.log.Info("starting provisioning sync", zap.Duration("interval", s.cfg.Interval))

	if _, err := s.SyncOnce(ctx); err != nil {
		s.log.Error("provisioning sync failed", zap.Error(err))
	}

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("provisioning sync shutting down")
			return
		case <-timer.C:
			if _, err := s.SyncOnce(ctx); err != nil {
				s.log.Error("provisioning sync failed", zap.Error(err))
			}
			timer.Reset(s.cfg.Interval)
		}
	}
}

// SyncOnce fetches every manifest page and provisions the devices found. It
// returns how many devices were provisioned. A failed fetch provisions what
// was retrieved before the failure.
func (s *Service) SyncOnce(ctx context.Context) (int, error) {
	var devices []model.Device
	total := 1
	var fetchErr error
	for page := 1; (page-1)*s.cfg.PageSize < total; page++ {
		resp, err := s.fetchPage(ctx, page)
		if err != nil {
			fetchErr = fmt.Errorf("fetch page %d: %w", page, err)
			break
		}
		if resp.Data.Total == 0 || len(resp.Data.Items) == 0 {
			break
		}
		total = resp.Data.Total
		for _, item := range resp.Data.Items {
			if item.ID == "" || item.SerialKey == "" {
				s.log.Warn("skipping incomplete manifest item", zap.String("id", item.ID))
				continue
			}
			devices = append(devices, model.Device{ID: item.ID, Name: item.Name, SerialKey: item.SerialKey})
		}
		s.log.Debug("fetched manifest page", zap.Int("page", page), zap.Int("total", total), zap.Int("so_far", len(devices)))
	}

	if len(devices) == 0 {
		return 0, fetchErr
	}
	if err := s.registry.ProvisionMany(ctx, devices); err != nil {
		return 0, err
	}
	s.log.Info("provisioning sync finished", zap.Int("devices", len(devices)))
	return len(devices), fetchErr
}

func (s *Service) fetchPage(ctx context.Context, page int) (*ManifestResponse, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(s.cfg.PageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range s.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var manifest ManifestResponse
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if manifest.Code != 0 {
		return nil, fmt.Errorf("manifest returned non-zero application code: %d", manifest.Code)
	}
	return &manifest, nil
}
