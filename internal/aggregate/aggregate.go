// Package aggregate fans a query out to every configured account and merges
// the answers. A failing account contributes one inline error record and
// never aborts the others.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults used when Options leave a field unset.
const (
	DefaultCallTimeout = 20 * time.Second
	DefaultMaxParallel = 8
)

// ErrCallTimeout is reported for an account whose call outlived the
// per-call timeout.
var ErrCallTimeout = errors.New("aggregate: call timed out")

// Order selects the merge sort direction.
type Order int

const (
	Ascending Order = iota
	Descending
)

// Options bounds each fan-out.
type Options struct {
	CallTimeout time.Duration
	MaxParallel int
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}

	if o.MaxParallel <= 0 {
		o.MaxParallel = DefaultMaxParallel
	}

	return o
}

// Aggregator runs fan-outs. optsFn is read at the start of every Collect so
// configuration reloads apply to the next request.
type Aggregator struct {
	optsFn func() Options
	logger *slog.Logger
}

// New returns an Aggregator. A nil optsFn uses the defaults.
func New(optsFn func() Options, logger *slog.Logger) *Aggregator {
	if optsFn == nil {
		optsFn = func() Options { return Options{} }
	}

	return &Aggregator{optsFn: optsFn, logger: logger}
}

// Request describes one fan-out.
type Request[T any] struct {
	// Name labels log lines, e.g. "emails.unread".
	Name     string
	Accounts []string

	// Fetch queries a single account. It receives a context carrying the
	// per-call deadline.
	Fetch func(ctx context.Context, account string) ([]T, error)

	// ErrRecord builds the inline record reported for a failed account.
	ErrRecord func(account string, err error) T

	// SortKey extracts the string the merged list is ordered by. Ordering
	// is plain lexicographic; producers must emit a sortable format.
	SortKey func(T) string
	Order   Order
}

// Collect runs req.Fetch for every account in parallel and returns the
// merged, stably sorted result. Before sorting, items are concatenated in
// account order so the output never depends on completion order.
func Collect[T any](ctx context.Context, a *Aggregator, req Request[T]) []T {
	opts := a.optsFn().withDefaults()
	perAccount := make([][]T, len(req.Accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxParallel)

	for i, account := range req.Accounts {
		g.Go(func() error {
			start := time.Now()

			items, err := callWithTimeout(gctx, opts.CallTimeout, account, req.Fetch)
			if err != nil {
				a.logger.Warn("account query failed",
					slog.String("query", req.Name),
					slog.String("account", account),
					slog.Duration("elapsed", time.Since(start)),
					slog.String("error", err.Error()),
				)

				perAccount[i] = []T{req.ErrRecord(account, err)}

				return nil
			}

			a.logger.Debug("account query done",
				slog.String("query", req.Name),
				slog.String("account", account),
				slog.Int("items", len(items)),
				slog.Duration("elapsed", time.Since(start)),
			)

			perAccount[i] = items

			return nil
		})
	}

	// Workers never return errors; failures are already recorded inline.
	_ = g.Wait()

	merged := make([]T, 0)
	for _, items := range perAccount {
		merged = append(merged, items...)
	}

	if req.SortKey != nil {
		Sort(merged, req.SortKey, req.Order)
	}

	return merged
}

// Sort orders items by key in place, stably.
func Sort[T any](items []T, key func(T) string, order Order) {
	sort.SliceStable(items, func(i, j int) bool {
		if order == Descending {
			return key(items[i]) > key(items[j])
		}

		return key(items[i]) < key(items[j])
	})
}

type result[T any] struct {
	items []T
	err   error
}

// callWithTimeout runs fetch under a deadline. A fetch that ignores its
// context is abandoned when the deadline passes; its result is discarded.
func callWithTimeout[T any](
	ctx context.Context, timeout time.Duration, account string,
	fetch func(context.Context, string) ([]T, error),
) ([]T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("aggregate: panic querying %s: %v", account, r)}
			}
		}()

		items, err := fetch(callCtx, account)
		done <- result[T]{items: items, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrCallTimeout, timeout, r.err)
		}

		return r.items, r.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
		}

		return nil, fmt.Errorf("aggregate: querying %s: %w", account, callCtx.Err())
	}
}
