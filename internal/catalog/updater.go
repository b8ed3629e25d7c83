package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 8 * time.Second
	jitterFrac = 0.10
)

// updater periodically fetches candidate catalogs from the active
// catalog's update_urls in round-robin order, adapted from the
// teacher's federated-baseline periodic ticker loop: same
// "iterate peers, report sent/rejected counts" shape, retargeted from
// pushing baselines to pulling and verifying catalog candidates, with
// the spec's bounded exponential backoff added in place of the
// teacher's fixed share_interval.
type updater struct {
	engine *Engine
	log    *zap.Logger
	client *http.Client
	cursor int
}

func newUpdater(engine *Engine, log *zap.Logger) *updater {
	return &updater{
		engine: engine,
		log:    log,
		client: &http.Client{Timeout: engine.cfg.UpdateTimeout},
	}
}

// Run drives the round-robin fetch loop until ctx is cancelled. Each
// round walks every configured update URL once; a round that fails on
// every mirror extends the backoff, a round with any success resets it.
func (u *updater) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		urls := u.activeUpdateURLs()
		anySuccess := false
		if len(urls) == 0 {
			u.log.Debug("catalog updater: no active catalog with update_urls yet")
		}
		for _, url := range urls {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := u.fetchAndApply(ctx, url); err != nil {
				u.log.Warn("catalog updater: mirror failed", zap.String("url", url), zap.Error(err))
				continue
			}
			anySuccess = true
		}

		if anySuccess {
			backoff = minBackoff
		} else {
			backoff = nextBackoff(backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(backoff)):
		}
	}
}

func (u *updater) activeUpdateURLs() []string {
	cat := u.engine.Active()
	if cat == nil {
		return nil
	}
	urls := cat.UpdateURLs
	if len(urls) == 0 {
		return nil
	}
	u.cursor = u.cursor % len(urls)
	rotated := append(append([]string(nil), urls[u.cursor:]...), urls[:u.cursor]...)
	u.cursor = (u.cursor + 1) % len(urls)
	return rotated
}

func (u *updater) fetchAndApply(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	var sc SignedCatalog
	if err := json.Unmarshal(body, &sc); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	if err := u.engine.Replace(sc); err != nil {
		return fmt.Errorf("verify/replace: %w", err)
	}
	return nil
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func jittered(d time.Duration) time.Duration {
	delta := float64(d) * jitterFrac
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}
