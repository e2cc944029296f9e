package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/okian/ritual/internal/adapters/notify"
	"github.com/okian/ritual/internal/domain/types"
	"github.com/okian/ritual/pkg/logger"
)

// Events follows the cycle's event stream. The channel closes when the
// stream ends or ctx is done.
func (c *Client) Events(ctx context.Context, id string) (<-chan notify.Change, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+cyclePath(id, "/events"), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeResponse(resp, nil)
	}

	out := make(chan notify.Change, 1)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				event = ""
			case strings.HasPrefix(line, ":"):
				// heartbeat
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:") && event == "cycle":
				var ev types.ChangeEvent
				if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
					c.log.Warn(ctx, "bad event payload", logger.String("cycle_id", id), logger.Error(err))
					continue
				}
				select {
				case out <- notify.Change{CycleID: ev.CycleID, Version: ev.Version}:
				case <-ctx.Done():
					return
				default:
					// A change is already pending; the next read sees this one too.
				}
			}
		}
	}()
	return out, nil
}

// WaitFor blocks until done reports true for the cycle, re-reading it on
// every stream event and every poll tick. Without a stream it only polls.
// Reaching a terminal state that does not satisfy done ends the wait
// with ErrTerminal.
func (c *Client) WaitFor(ctx context.Context, id string, done func(types.CycleView) bool) (types.CycleView, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := c.Events(streamCtx, id)
	if err != nil {
		c.log.Debug(ctx, "event stream unavailable, polling", logger.String("cycle_id", id), logger.Error(err))
		events = nil
	}

	var last types.CycleView
	err = notify.Wait(ctx, events, c.pollInterval, func(ctx context.Context) (bool, error) {
		v, err := c.Cycle(ctx, id)
		if err != nil {
			return false, err
		}
		last = v
		if done(v) {
			return true, nil
		}
		if v.Status.Terminal() {
			return false, fmt.Errorf("%w: %s", ErrTerminal, v.Status)
		}
		return false, nil
	})
	return last, err
}

// WaitForProposals waits until proposals exist for the cycle.
func (c *Client) WaitForProposals(ctx context.Context, id string) (types.CycleView, error) {
	return c.WaitFor(ctx, id, func(v types.CycleView) bool { return len(v.Proposals) > 0 })
}
