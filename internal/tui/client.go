package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/taskvault/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the taskvault control plane
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListRecords fetches records, optionally filtered by state
func (c *Client) ListRecords(state models.State) ([]RecordItem, error) {
	path := "/records"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}

	var recs []models.TaskRecord
	if err := c.get(path, &recs); err != nil {
		return nil, err
	}

	items := make([]RecordItem, len(recs))
	for i, r := range recs {
		items[i] = RecordItem{
			ID:       r.ID,
			Kind:     r.Kind,
			State:    r.State,
			Priority: r.Priority,
			Status:   r.Status,
			Source:   r.Source,
			Attempts: r.AttemptCount,
			Updated:  r.UpdatedAt,
		}
	}
	return items, nil
}

// GetRecord fetches a single record and its runs
func (c *Client) GetRecord(id string) (*RecordDetail, error) {
	var detail struct {
		Record models.TaskRecord `json:"record"`
		Runs   []models.AgentRun `json:"runs"`
	}
	if err := c.get("/records/"+url.PathEscape(id), &detail); err != nil {
		return nil, err
	}
	return &RecordDetail{Record: detail.Record, Runs: detail.Runs}, nil
}

// Status fetches a fresh status snapshot
func (c *Client) Status() (*models.StatusSnapshot, error) {
	var snap models.StatusSnapshot
	if err := c.get("/status", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Approve moves a pending approval to Approved
func (c *Client) Approve(id string) (models.State, error) {
	return c.decide(id, "approve")
}

// Reject moves a pending approval to Rejected
func (c *Client) Reject(id string) (models.State, error) {
	return c.decide(id, "reject")
}

func (c *Client) decide(id, action string) (models.State, error) {
	resp, err := c.httpClient.Post(c.baseURL+"/records/"+url.PathEscape(id)+"/"+action, "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("API error: %s", string(body))
	}

	var result struct {
		State models.State `json:"state"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	return result.State, nil
}

func (c *Client) get(path string, v interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// CheckHealth fetches the daemon health report. A 503 still carries a
// report, so only transport and decode failures are errors.
func (c *Client) CheckHealth() (*HealthInfo, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}
