package storage

import (
	"context"
	"errors"
	"time"

	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/logging"
)

type RetryPolicy struct {
	// Retries is the number of extra attempts after the first failure.
	Retries    int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Retrying retries reads that fail with ErrStoreUnavailable using
// exponential backoff. Writes pass straight through so failures surface
// immediately.
type Retrying struct {
	Gateway
	policy RetryPolicy
	logger *logging.Logger
}

func WithRetry(gw Gateway, policy RetryPolicy) *Retrying {
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = 5 * time.Second
	}
	return &Retrying{
		Gateway: gw,
		policy:  policy,
		logger:  logging.NewLogger("storage"),
	}
}

func (r *Retrying) LoadHistory(ctx context.Context, documentID string) (*history.History, error) {
	var h *history.History
	err := r.do(ctx, "load_history", func() error {
		var err error
		h, err = r.Gateway.LoadHistory(ctx, documentID)
		return err
	})
	return h, err
}

func (r *Retrying) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	var docs []DocumentInfo
	err := r.do(ctx, "list_documents", func() error {
		var err error
		docs, err = r.Gateway.ListDocuments(ctx)
		return err
	})
	return docs, err
}

func (r *Retrying) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func() error {
		return r.Gateway.Ping(ctx)
	})
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	backoff := r.policy.Backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrStoreUnavailable) || attempt >= r.policy.Retries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		r.logger.LogRetry(op, attempt+1, err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		backoff *= 2
		if backoff > r.policy.MaxBackoff {
			backoff = r.policy.MaxBackoff
		}
	}
}
