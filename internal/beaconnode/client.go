// Package beaconnode is the upstream beacon-node client consumed by
// internal/ingest: live reward events over SSE, historical backfill over a
// plain GET, head-slot polling, and active-validator counting.
package beaconnode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rawblock/clientprint/pkg/models"
)

// Client wraps one beacon-node base URL. It holds no mutable state beyond
// the underlying *http.Client, so it is safe to share across goroutines,
// the same read-only posture as the training matrix.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (no trailing slash expected).
// timeout bounds ordinary request/response calls; the SSE stream itself is
// long-lived and uses a request with no deadline (closed via ctx instead).
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// HeadSlot wraps GET /eth/v1/beacon/headers/head.
func (c *Client) HeadSlot(ctx context.Context) (uint64, error) {
	var resp struct {
		Data struct {
			Header struct {
				Message struct {
					Slot string `json:"slot"`
				} `json:"message"`
			} `json:"header"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/eth/v1/beacon/headers/head", &resp); err != nil {
		return 0, fmt.Errorf("beaconnode: head slot: %w", err)
	}
	slot, err := strconv.ParseUint(resp.Data.Header.Message.Slot, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("beaconnode: parse head slot %q: %w", resp.Data.Header.Message.Slot, err)
	}
	return slot, nil
}

// validatorStatus is the subset of GET /eth/v1/beacon/states/{slot}/validators
// fields ActiveValidatorCount needs.
type validatorStatus struct {
	Validator struct {
		ActivationEpoch string `json:"activation_epoch"`
		ExitEpoch       string `json:"exit_epoch"`
	} `json:"validator"`
}

// ActiveValidatorCount counts validators with activation_epoch <= epoch <
// exit_epoch at the given slot, where epoch = slot / 32.
func (c *Client) ActiveValidatorCount(ctx context.Context, slot uint64) (int, error) {
	var resp struct {
		Data []validatorStatus `json:"data"`
	}
	path := fmt.Sprintf("/eth/v1/beacon/states/%d/validators", slot)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return 0, fmt.Errorf("beaconnode: active validator count: %w", err)
	}

	epoch := slot / 32
	count := 0
	for _, v := range resp.Data {
		activation, err := parseEpoch(v.Validator.ActivationEpoch)
		if err != nil {
			continue
		}
		exit, err := parseEpoch(v.Validator.ExitEpoch)
		if err != nil {
			continue
		}
		if activation <= epoch && epoch < exit {
			count++
		}
	}
	return count, nil
}

// parseEpoch parses the beacon API's epoch strings, treating the
// "far future epoch" sentinel (2^64-1, serialized as a very large decimal
// string) as an ordinary uint64 — Go's unsigned arithmetic compares it
// correctly against any real epoch without special-casing.
func parseEpoch(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// BackfillRange wraps GET /lighthouse/analysis/block_rewards?start_slot=&end_slot=,
// returning the reward records for the inclusive [start, end] range.
func (c *Client) BackfillRange(ctx context.Context, start, end uint64) ([]models.RewardRecord, error) {
	q := url.Values{}
	q.Set("start_slot", strconv.FormatUint(start, 10))
	q.Set("end_slot", strconv.FormatUint(end, 10))

	var records []models.RewardRecord
	path := "/lighthouse/analysis/block_rewards?" + q.Encode()
	if err := c.getJSON(ctx, path, &records); err != nil {
		return nil, fmt.Errorf("beaconnode: backfill [%d,%d]: %w", start, end, err)
	}
	return records, nil
}

// StreamBlockRewards subscribes to GET /eth/v1/events?topics=block_reward
// and delivers one decoded RewardRecord per SSE "data:" line to onRecord.
// It returns when ctx is cancelled or the connection drops; callers
// implement the 5 s reconnect-from-scratch policy, not this method.
func (c *Client) StreamBlockRewards(ctx context.Context, onRecord func(models.RewardRecord)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/eth/v1/events?topics=block_reward", nil)
	if err != nil {
		return fmt.Errorf("beaconnode: build SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream has no fixed deadline; it lives as long as ctx does.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("beaconnode: SSE connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("beaconnode: SSE connect: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var record models.RewardRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return fmt.Errorf("beaconnode: decode SSE event: %w", err)
		}
		onRecord(record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("beaconnode: SSE stream: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Pool round-robins requests across multiple beacon-node clients, the same
// load-balancing shape as a multi-client rewards pool: a counter advances
// with every call so back-to-back requests spread across nodes rather than
// hammering one (grounded on the round-robin NodePool pattern).
type Pool struct {
	clients []*Client
	counter uint64
}

// NewPool builds a Pool over the given base URLs, each with the same
// per-request timeout.
func NewPool(baseURLs []string, timeout time.Duration) *Pool {
	clients := make([]*Client, 0, len(baseURLs))
	for _, u := range baseURLs {
		u = strings.TrimSpace(u)
		if u != "" {
			clients = append(clients, New(u, timeout))
		}
	}
	return &Pool{clients: clients}
}

func (p *Pool) next() *Client {
	if len(p.clients) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&p.counter, 1) % uint64(len(p.clients))
	return p.clients[idx]
}

// HeadSlot delegates to the next client in the pool.
func (p *Pool) HeadSlot(ctx context.Context) (uint64, error) {
	return p.next().HeadSlot(ctx)
}

// ActiveValidatorCount delegates to the next client in the pool.
func (p *Pool) ActiveValidatorCount(ctx context.Context, slot uint64) (int, error) {
	return p.next().ActiveValidatorCount(ctx, slot)
}

// BackfillRange delegates to the next client in the pool.
func (p *Pool) BackfillRange(ctx context.Context, start, end uint64) ([]models.RewardRecord, error) {
	return p.next().BackfillRange(ctx, start, end)
}

// StreamBlockRewards delegates to the next client in the pool. Live
// streaming pins whichever client was selected for the duration of the
// stream; the pool only spreads load across short-lived calls.
func (p *Pool) StreamBlockRewards(ctx context.Context, onRecord func(models.RewardRecord)) error {
	return p.next().StreamBlockRewards(ctx, onRecord)
}
