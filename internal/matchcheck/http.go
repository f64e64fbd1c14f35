package matchcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/okian/skillmatch/pkg/logger"
)

var errUnexpectedStatus = errors.New("unexpected status")

// client talks JSON to the service.
type client struct {
	http *http.Client
	base string
}

func newClient(base string, timeout time.Duration) *client {
	return &client{http: &http.Client{Timeout: timeout}, base: base}
}

// do sends a request and decodes the body into out when the status is want.
func (c *client) do(ctx context.Context, method, path string, body, out any, want ...int) (int, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	for _, code := range want {
		if resp.StatusCode != code {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("%w: %s %s: %d %s", errUnexpectedStatus, method, path, resp.StatusCode, bytes.TrimSpace(data))
}

func (c *client) get(ctx context.Context, path string, out any) error {
	_, err := c.do(ctx, http.MethodGet, path, nil, out, http.StatusOK)
	return err
}

func escape(id string) string { return url.PathEscape(id) }

// submitEvents publishes events concurrently and counts the outcomes.
func submitEvents(ctx context.Context, cfg *Config, c *client, events []eventRequest, stats *Stats, log logger.Logger) {
	workers := max(cfg.Workers, 1)
	log.Info(ctx, "submitting events", logger.Int("events", len(events)), logger.Int("workers", workers))

	var submitted, accepted, duplicate, rejected, failed atomic.Int64
	ch := make(chan eventRequest, workers*2)
	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range ch {
				submitted.Add(1)
				code, err := c.do(ctx, http.MethodPost, "/events", e, nil, http.StatusAccepted, http.StatusOK)
				switch {
				case err == nil && code == http.StatusOK:
					duplicate.Add(1)
				case err == nil:
					accepted.Add(1)
				case code == http.StatusTooManyRequests:
					rejected.Add(1)
				default:
					failed.Add(1)
					if cfg.Verbose {
						log.Warn(ctx, "event failed", logger.String("event_id", e.EventID), logger.Error(err))
					}
				}
			}
		}()
	}

	func() {
		defer close(ch)
		for _, e := range events {
			select {
			case <-ctx.Done():
				return
			case ch <- e:
			}
		}
	}()
	wg.Wait()

	stats.EventsSubmitted = int(submitted.Load())
	stats.EventsAccepted = int(accepted.Load())
	stats.EventsDuplicate = int(duplicate.Load())
	stats.EventsRejected = int(rejected.Load())
	stats.EventsFailed = int(failed.Load())

	log.Info(ctx, "event submission completed",
		logger.Int("accepted", stats.EventsAccepted),
		logger.Int("duplicate", stats.EventsDuplicate),
		logger.Int("rejected", stats.EventsRejected),
		logger.Int("failed", stats.EventsFailed))
}
