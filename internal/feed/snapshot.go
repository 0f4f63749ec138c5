package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/friendmap/markerd/pkg/core"
)

const locationsPath = "/api/v1/friends/locations"

// SnapshotClient fetches the current friend locations over HTTP.
type SnapshotClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewSnapshotClient creates a new snapshot client.
func NewSnapshotClient(baseURL, token string) *SnapshotClient {
	return &SnapshotClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the friend-sync service is reachable.
func (c *SnapshotClient) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthcheck", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// Locations returns every friend's current location, tagged as an initial load.
// Entries without an ID are skipped.
func (c *SnapshotClient) Locations(ctx context.Context) ([]core.LocationUpdate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+locationsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("locations request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("locations returned status %d", resp.StatusCode)
	}

	var friends []core.Friend
	if err := json.NewDecoder(resp.Body).Decode(&friends); err != nil {
		return nil, fmt.Errorf("decoding locations: %w", err)
	}

	now := time.Now()
	out := make([]core.LocationUpdate, 0, len(friends))
	for _, f := range friends {
		if f.ID == "" {
			continue
		}
		out = append(out, core.LocationUpdate{
			FriendID:    f.ID,
			DisplayName: f.DisplayName,
			Position:    f.Position,
			Online:      f.Online,
			Kind:        core.InitialLoad,
			Timestamp:   now,
		})
	}
	return out, nil
}
