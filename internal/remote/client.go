// Package remote provides HTTP clients for the two sync collaborators: the
// remote report API and the media upload service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/reliefops/fieldsync/internal/report"
)

// ErrRateLimited signals the server's distinguished rate-limit condition.
// The direct submission path surfaces it to the caller so the UI can show a
// wait-and-retry message; inside the queued sync path it is treated as a
// retryable error like any other.
var ErrRateLimited = errors.New("rate limited by server")

// CreateRequest is the report submission body.
type CreateRequest struct {
	UserID        string    `json:"user_id"`
	IncidentType  string    `json:"incident_type"`
	Location      string    `json:"location"`
	Description   string    `json:"description,omitempty"`
	PatientStatus string    `json:"patient_status,omitempty"`
	UrgencyLevel  string    `json:"urgency_level,omitempty"`
	IncidentTime  time.Time `json:"incident_time"`
	MediaURLs     []string  `json:"media_urls,omitempty"`
}

// CreateResponse carries the canonical server-assigned report identifier.
type CreateResponse struct {
	ID string `json:"id"`
}

// Client submits incident reports to the remote report API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

// NewClient creates a report API client. If httpClient is nil a client with
// a 30s timeout is used; if logger is nil a default stderr logger is used.
func NewClient(baseURL string, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		logger:  logger,
	}
}

// Create submits a report with its resolved media URLs and returns the
// server-assigned id.
//
// The local queue id rides along as an idempotency key, so a submission
// retried after a crash between remote success and local status update is
// deduplicated server-side rather than producing a duplicate report.
func (c *Client) Create(ctx context.Context, rec *report.QueuedReport, mediaURLs []string) (string, error) {
	body, err := json.Marshal(CreateRequest{
		UserID:        rec.UserID,
		IncidentType:  rec.IncidentType,
		Location:      rec.Location,
		Description:   rec.Description,
		PatientStatus: rec.PatientStatus,
		UrgencyLevel:  rec.UrgencyLevel,
		IncidentTime:  rec.IncidentTime,
		MediaURLs:     mediaURLs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/reports", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", rec.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("report submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("report submission returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var created CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("server returned empty report id")
	}

	c.logger.Printf("Report %s accepted as %s", rec.ID, created.ID)
	return created.ID, nil
}
