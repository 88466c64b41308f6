package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ingester POSTs a pending offline run to the hub and removes the
// journal directory on success, using the same idempotent-on-run-id
// contract the hub's HTTP surface exposes (§6): re-ingesting an
// already-ingested run.id is a no-op on the hub side, so a crash
// between a successful POST and Remove only costs one redundant call
// on the next reconnect, never a duplicate run.
type Ingester struct {
	Base       string
	HubURL     string
	Token      string // bearer token minted for this agent (golang-jwt/jwt/v5 on the hub side)
	AgentID    string // agent id the token was minted for; fills the {agentID} segment of the hub route
	HTTPClient *http.Client
}

// NewIngester builds an Ingester with the package's default 30s HTTP
// timeout.
func NewIngester(base, hubURL, token string) *Ingester {
	return &Ingester{
		Base:       base,
		HubURL:     hubURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// IngestAll uploads every pending run journal under Base, removing
// each directory as it succeeds; it stops and returns the first
// error rather than skipping ahead, so a hub outage midway through a
// batch leaves the remaining runs queued for the next attempt.
func (g *Ingester) IngestAll(ctx context.Context) (ingested []string, err error) {
	runIDs, err := ListPending(g.Base)
	if err != nil {
		return nil, err
	}
	for _, runID := range runIDs {
		if err := g.ingestOne(ctx, runID); err != nil {
			return ingested, fmt.Errorf("offline: ingesting run %s: %w", runID, err)
		}
		ingested = append(ingested, runID)
	}
	return ingested, nil
}

func (g *Ingester) ingestOne(ctx context.Context, runID string) error {
	payload, err := Load(g.Base, runID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	url := g.HubURL + "/api/agents/" + g.AgentID + "/offline-ingest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.Token)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("hub responded %d: %s", resp.StatusCode, string(msg))
	}

	return Remove(g.Base, runID)
}
