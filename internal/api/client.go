// Package api talks to the backend HTTP API for call-adjacent resources
// that do not live in the signaling store, currently TURN credentials.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"coachhome/callkit/internal/domain"
)

type credentialsResponse struct {
	Result int         `json:"result"`
	Msg    string      `json:"msg"`
	Data   []iceServer `json:"data"`
}

type iceServer struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// Client fetches TURN credentials from the backend API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client for the given base URL. The token is sent
// as a bearer credential on every request.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchICEServers obtains the current STUN/TURN server list. TURN credentials
// are short-lived, so callers should fetch them per call rather than cache.
func (c *Client) FetchICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/calls/turn-credentials", nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var credResp credentialsResponse
	if err := json.Unmarshal(body, &credResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if credResp.Result != 0 {
		return nil, fmt.Errorf("API error (result=%d): %s", credResp.Result, credResp.Msg)
	}

	servers := make([]domain.ICEServer, 0, len(credResp.Data))
	for _, s := range credResp.Data {
		servers = append(servers, domain.ICEServer{
			URL:        s.URL,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers, nil
}
