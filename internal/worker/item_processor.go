package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ErrItemProcessing marks a failed external call for a single item. It is
// logged and counted, never surfaced as a job-level failure.
var ErrItemProcessing = errors.New("item processing failed")

// ItemResult is what the external call returned for one item.
type ItemResult struct {
	ItemID int64           `json:"id"`
	Data   json.RawMessage `json:"data"`
}

// ItemProcessor is the external per-item call.
type ItemProcessor interface {
	Process(ctx context.Context, itemID int64) (ItemResult, error)
}

// ProcessorFunc adapts a function to ItemProcessor.
type ProcessorFunc func(ctx context.Context, itemID int64) (ItemResult, error)

func (f ProcessorFunc) Process(ctx context.Context, itemID int64) (ItemResult, error) {
	return f(ctx, itemID)
}

// SimulatedProcessor stands in for the external service: it waits a random
// latency in [min, max) and reports the item as processed.
type SimulatedProcessor struct {
	clock clock.Clock
	min   time.Duration
	max   time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulatedProcessor(clk clock.Clock, minLatency, maxLatency time.Duration) *SimulatedProcessor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxLatency < minLatency {
		maxLatency = minLatency
	}
	return &SimulatedProcessor{
		clock: clk,
		min:   minLatency,
		max:   maxLatency,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *SimulatedProcessor) latency() time.Duration {
	if p.max <= p.min {
		return p.min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min + time.Duration(p.rnd.Int63n(int64(p.max-p.min)))
}

func (p *SimulatedProcessor) Process(ctx context.Context, itemID int64) (ItemResult, error) {
	if d := p.latency(); d > 0 {
		select {
		case <-ctx.Done():
			return ItemResult{}, ctx.Err()
		case <-p.clock.After(d):
		}
	}
	return ItemResult{ItemID: itemID, Data: json.RawMessage(`"processed"`)}, nil
}

// HTTPProcessor posts each item to an external endpoint as {"id": n}. No
// client timeout is set; the caller's context bounds the call.
type HTTPProcessor struct {
	url    string
	client *http.Client
}

const maxResponseBytes = 1 << 20

func NewHTTPProcessor(url string, client *http.Client) *HTTPProcessor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProcessor{url: url, client: client}
}

func (p *HTTPProcessor) Process(ctx context.Context, itemID int64) (ItemResult, error) {
	body, err := json.Marshal(map[string]int64{"id": itemID})
	if err != nil {
		return ItemResult{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return ItemResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return ItemResult{}, fmt.Errorf("call processor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return ItemResult{}, fmt.Errorf("call processor: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return ItemResult{}, fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxResponseBytes {
		return ItemResult{}, fmt.Errorf("response too large (>%d bytes)", maxResponseBytes)
	}

	result := ItemResult{ItemID: itemID}
	switch {
	case len(bytes.TrimSpace(data)) == 0:
		result.Data = json.RawMessage(`null`)
	case json.Valid(data):
		result.Data = json.RawMessage(data)
	default:
		quoted, _ := json.Marshal(string(data))
		result.Data = json.RawMessage(quoted)
	}
	return result, nil
}
