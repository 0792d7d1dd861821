package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livee/overlay-service/internal/metrics"
	"github.com/livee/overlay-service/internal/retry"
)

// Client delivers stop notifications to the configured callback endpoint
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	totalNotifications     uint64
	deliveredNotifications uint64
	failedNotifications    uint64
	totalAttempts          uint64
	lastDeliveryDuration   time.Duration

	mu sync.RWMutex
}

// Config contains notification client configuration
type Config struct {
	Endpoint    string
	Timeout     time.Duration // per attempt
	MaxAttempts int
	BackoffStep time.Duration // wait after attempt n is n*BackoffStep
	UserAgent   string
}

// StopEvent is the payload sent when a session ends
type StopEvent struct {
	CorrID string `json:"corrId"`
}

// DeliveryError is returned when every delivery attempt failed
type DeliveryError struct {
	CorrID   string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("stop notification for %s not delivered after %d attempts: %v", e.CorrID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalNotifications   uint64        `json:"total_notifications"`
	Delivered            uint64        `json:"delivered"`
	Failed               uint64        `json:"failed"`
	TotalAttempts        uint64        `json:"total_attempts"`
	LastDeliveryDuration time.Duration `json:"last_delivery_duration"`
}

// NewClient creates a new notification client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}

	if config.BackoffStep <= 0 {
		config.BackoffStep = time.Second
	}

	if config.UserAgent == "" {
		config.UserAgent = "Overlay-Service/1.0"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		metrics:    m,
	}, nil
}

// NotifyStopped tells the callback endpoint that the session for corrID has
// ended. Failed deliveries are retried with linearly increasing backoff.
func (c *Client) NotifyStopped(ctx context.Context, corrID string) error {
	startTime := time.Now()
	c.incrementTotalNotifications()

	attempts := 0
	err := retry.Do(ctx, c.config.MaxAttempts, retry.Linear(c.config.BackoffStep), func(ctx context.Context, attempt int) error {
		attempts = attempt
		c.incrementTotalAttempts()
		if c.metrics != nil {
			c.metrics.RecordNotificationAttempt()
		}

		err := c.doRequest(ctx, corrID)
		if err != nil {
			c.logger.Warn("Stop notification attempt failed",
				slog.String("corr_id", corrID),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.config.MaxAttempts),
				slog.String("error", err.Error()),
			)
		}
		return err
	})

	if err != nil {
		c.incrementFailedNotifications()
		if c.metrics != nil {
			c.metrics.RecordNotificationFailure()
		}
		return &DeliveryError{CorrID: corrID, Attempts: attempts, Err: err}
	}

	elapsed := time.Since(startTime)
	c.recordDelivered(elapsed)
	if c.metrics != nil {
		c.metrics.RecordNotificationSuccess(elapsed.Seconds())
	}

	c.logger.Debug("Stop notification delivered",
		slog.String("corr_id", corrID),
		slog.Int("attempts", attempts),
	)

	return nil
}

// doRequest performs a single HTTP request to the callback endpoint
func (c *Client) doRequest(ctx context.Context, corrID string) error {
	body, err := json.Marshal(StopEvent{CorrID: corrID})
	if err != nil {
		return fmt.Errorf("failed to encode stop event: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Statistics methods
func (c *Client) incrementTotalNotifications() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalNotifications++
}

func (c *Client) incrementTotalAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalAttempts++
}

func (c *Client) incrementFailedNotifications() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedNotifications++
}

func (c *Client) recordDelivered(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveredNotifications++
	c.lastDeliveryDuration = d
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		TotalNotifications:   c.totalNotifications,
		Delivered:            c.deliveredNotifications,
		Failed:               c.failedNotifications,
		TotalAttempts:        c.totalAttempts,
		LastDeliveryDuration: c.lastDeliveryDuration,
	}
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
