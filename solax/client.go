// Package solax reads real-time telemetry from a Solax hybrid inverter over
// its local HTTP interface and decodes the vendor's register array into typed
// metrics.
package solax

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client fetches the real-time register array from one inverter.
type Client struct {
	endpoint string
	password string
	http     *http.Client
}

// NewClient creates a client for the inverter at ip. The serial number doubles
// as the API password.
func NewClient(ip, serial string) *Client {
	return &Client{
		endpoint: fmt.Sprintf("http://%s/", ip),
		password: serial,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type realTimeResponse struct {
	SN      string `json:"sn"`
	Version string `json:"ver"`
	Type    int    `json:"type"`
	Data    []int  `json:"Data"`
}

// ReadRegisters performs one ReadRealTimeData request and returns the raw
// register array.
func (c *Client) ReadRegisters(ctx context.Context) ([]int, error) {
	form := url.Values{
		"optType": {"ReadRealTimeData"},
		"pwd":     {c.password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build inverter request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inverter request to %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inverter returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read inverter response: %w", err)
	}

	var parsed realTimeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode inverter response: %w", err)
	}

	return parsed.Data, nil
}
