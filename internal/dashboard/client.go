package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mschirtzinger/vaultd/internal/health"
)

// FetchStatus asks a running daemon at addr for its snapshot.
func FetchStatus(ctx context.Context, client *http.Client, addr string) (health.Snapshot, error) {
	if client == nil {
		client = http.DefaultClient
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/status", nil)
	if err != nil {
		return health.Snapshot{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return health.Snapshot{}, fmt.Errorf("daemon not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return health.Snapshot{}, fmt.Errorf("status request failed: %s", resp.Status)
	}
	var snap health.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return health.Snapshot{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return snap, nil
}
