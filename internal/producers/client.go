// Package producers holds typed HTTP clients for the report-producing
// services and the registry that fixes their priority order.
package producers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "notibot/pkg/logx"

	json "github.com/goccy/go-json"
)

const defaultTimeout = 30 * time.Second

// Config describes one producer service.
type Config struct {
	Name    string
	Label   string
	BaseURL string
	Timeout time.Duration
}

// Client talks to one producer service's report API.
type Client struct {
	name    string
	label   string
	baseURL string
	http    *http.Client
	log     logx.Logger
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("producers: base url required")
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("producers: name required")
	}
	label := strings.TrimSpace(cfg.Label)
	if label == "" {
		label = name
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		name:    name,
		label:   label,
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

func (c *Client) Name() string  { return c.name }
func (c *Client) Label() string { return c.label }

// GenerateReport asks the service for report content. Empty content with a
// nil error means the service had nothing to report.
func (c *Client) GenerateReport(ctx context.Context, reportType string, userID int64) (string, error) {
	body := struct {
		Type   string `json:"type"`
		UserID int64  `json:"user_id"`
	}{Type: reportType, UserID: userID}

	var out struct {
		Report *struct {
			Text string `json:"text"`
		} `json:"report"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/reports/generate", nil, body, &out); err != nil {
		return "", err
	}
	if out.Report == nil {
		return "", nil
	}
	return out.Report.Text, nil
}

// UsersForReport returns the ids subscribed to a report type.
func (c *Client) UsersForReport(ctx context.Context, reportType string) ([]int64, error) {
	var out struct {
		Users []int64 `json:"users"`
	}
	path := "/api/v1/notifications/reports/" + url.PathEscape(reportType) + "/users"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// DirectionStats breaks performance down by trade direction.
type DirectionStats struct {
	Count        int     `json:"count"`
	AvgProfitPct float64 `json:"avg_profit_pct"`
}

// PerformanceStats is the service's settled-signal summary for a period.
type PerformanceStats struct {
	Total        int                       `json:"total"`
	Calculated   int                       `json:"calculated"`
	Pending      int                       `json:"pending"`
	AvgProfitPct float64                   `json:"avg_profit_pct"`
	ByDirection  map[string]DirectionStats `json:"by_direction"`
}

// PerformanceStats fetches signal performance over [from, to).
func (c *Client) PerformanceStats(ctx context.Context, from, to time.Time) (*PerformanceStats, error) {
	q := url.Values{}
	q.Set("from_date", from.UTC().Format(time.RFC3339))
	q.Set("to_date", to.UTC().Format(time.RFC3339))

	var out PerformanceStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/performance/stats", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes the service; nil means it reported itself healthy.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return err
	}
	if out.Status != "healthy" {
		return fmt.Errorf("producer %s: status %q", c.name, out.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("producer %s: encode request: %w", c.name, err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("producer %s: build request: %w", c.name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("producer %s: %s %s: %w", c.name, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("producer %s: %s %s: http=%d", c.name, method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("producer %s: decode response: %w", c.name, err)
		}
	}
	return nil
}
