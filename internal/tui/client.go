package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fentz26/procmon/internal/coordinator"
	"github.com/fentz26/procmon/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the procmon API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Health reports whether the daemon answers and its database is reachable.
func (c *Client) Health() bool {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the scheduler status.
func (c *Client) Status() (*coordinator.Status, error) {
	var st coordinator.Status
	if err := c.get("/api/scheduler/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListRuns fetches the most recent runs.
func (c *Client) ListRuns(limit int) ([]models.RunResult, error) {
	var runs []models.RunResult
	err := c.get("/api/runs?limit="+strconv.Itoa(limit), &runs)
	return runs, err
}

// RunDetail is a run with its client outcomes.
type RunDetail struct {
	Run      *models.RunResult      `json:"run"`
	Outcomes []models.ClientOutcome `json:"outcomes"`
}

// GetRun fetches one run with its outcomes.
func (c *Client) GetRun(id string) (*RunDetail, error) {
	var detail RunDetail
	if err := c.get("/api/runs/"+url.PathEscape(id), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListNotifications fetches notifications, newest first.
func (c *Client) ListNotifications(unreadOnly bool, limit int) ([]models.Notification, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if unreadOnly {
		q.Set("unread", "true")
	}
	var notes []models.Notification
	err := c.get("/api/notifications?"+q.Encode(), &notes)
	return notes, err
}

// ListClients fetches all monitored clients.
func (c *Client) ListClients() ([]models.Client, error) {
	var clients []models.Client
	err := c.get("/api/clients", &clients)
	return clients, err
}

// ManualQuery starts a manual run and returns its id.
func (c *Client) ManualQuery(clientIDs []string) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	body := map[string]interface{}{"client_ids": clientIDs}
	if err := c.post("/api/manual-query", body, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// CancelRun cancels the active run.
func (c *Client) CancelRun() error {
	return c.post("/api/runs/cancel", nil, nil)
}

// UpdateQueryTime sets the daily query time ("HH:MM").
func (c *Client) UpdateQueryTime(hhmm string) (*models.Settings, error) {
	var settings models.Settings
	if err := c.post("/api/scheduler/update-time", map[string]string{"time": hhmm}, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// MarkRead marks a notification as read.
func (c *Client) MarkRead(id string) error {
	return c.post("/api/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *Client) post(path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", body)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		msg := string(bytes.TrimSpace(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
