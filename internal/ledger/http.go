package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"enlist/internal/models"

	"github.com/rs/zerolog"
)

// HTTPClient speaks the action-keyed RPC dialect of the remote ledger
// service: one POST endpoint, JSON body with an "action" field.
type HTTPClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *zerolog.Logger
}

func NewHTTPClient(endpoint, token string, timeout time.Duration, logger *zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type rpcRequest struct {
	Action      string `json:"action"`
	Email       string `json:"email,omitempty"`
	Calendar    string `json:"calendar,omitempty"`
	EventURL    string `json:"event_url,omitempty"`
	Title       string `json:"title,omitempty"`
	EventDate   string `json:"event_date,omitempty"`
	PersonEmail string `json:"person_email,omitempty"`
	PersonName  string `json:"person_name,omitempty"`
}

type teamEntry struct {
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
}

type scanStatusResponse struct {
	SeenEvents      []string               `json:"seenEvents"`
	MyRegistrations []string               `json:"myRegistrations"`
	TeamRegistered  map[string][]teamEntry `json:"teamRegistered,omitempty"`
}

type addResponse struct {
	Added  bool   `json:"added"`
	Reason string `json:"reason,omitempty"`
}

type allDataResponse struct {
	Data  []models.LedgerRecord `json:"data"`
	Count int                   `json:"count"`
}

type calendarsResponse struct {
	Calendars []string `json:"calendars"`
}

func (c *HTTPClient) GetScanStatus(ctx context.Context, email, calendar string) (*models.ScanStatus, error) {
	var resp scanStatusResponse
	err := c.call(ctx, rpcRequest{Action: "getScanStatus", Email: email, Calendar: calendar}, &resp)
	if err != nil {
		return nil, err
	}

	status := models.EmptyScanStatus()
	for _, u := range resp.MyRegistrations {
		status.MyRegistrations[u] = struct{}{}
	}
	for _, u := range resp.SeenEvents {
		if _, mine := status.MyRegistrations[u]; mine {
			continue
		}
		entries := resp.TeamRegistered[u]
		team := make([]models.TeamRegistration, 0, len(entries))
		for _, e := range entries {
			team = append(team, models.TeamRegistration{Identity: e.Identity, RegisteredAt: e.Timestamp})
		}
		status.SeenEvents[u] = team
	}
	return status, nil
}

func (c *HTTPClient) AddRegistration(ctx context.Context, rec *models.LedgerRecord) (bool, string, error) {
	var resp addResponse
	err := c.call(ctx, rpcRequest{
		Action:      "addRegistration",
		EventURL:    rec.EventURL,
		Title:       rec.Title,
		EventDate:   rec.EventDate,
		PersonEmail: rec.PersonEmail,
		PersonName:  rec.PersonName,
		Calendar:    rec.Calendar,
	}, &resp)
	if err != nil {
		return false, "", err
	}
	return resp.Added, resp.Reason, nil
}

func (c *HTTPClient) GetAllData(ctx context.Context, calendar string) ([]models.LedgerRecord, error) {
	var resp allDataResponse
	if err := c.call(ctx, rpcRequest{Action: "getAllData", Calendar: calendar}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *HTTPClient) GetCalendars(ctx context.Context) ([]string, error) {
	var resp calendarsResponse
	if err := c.call(ctx, rpcRequest{Action: "getCalendars"}, &resp); err != nil {
		return nil, err
	}
	return resp.Calendars, nil
}

func (c *HTTPClient) call(ctx context.Context, req rpcRequest, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Action, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", req.Action, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, req.Action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, req.Action, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrUnavailable, req.Action, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Action, err)
	}
	return nil
}
