package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/birdie-ai/sfupdate/slog"
	"github.com/birdie-ai/sfupdate/sqlgen"
	"github.com/birdie-ai/sfupdate/update"
)

type (
	// Executor runs batches on a [Session] and consumes their responses.
	// It never retries and never commits or rolls back: when a batch requires a transaction
	// the caller must run it on a transaction session.
	Executor struct {
		gen      sqlgen.Generator
		notifier Notifier
	}

	// ExecutorOption is used to configure an [Executor].
	ExecutorOption func(*Executor)

	// Conflict is the event published for each concurrency conflict.
	Conflict struct {
		BatchID  string   `json:"batch_id"`
		SQLHash  string   `json:"sql_hash"`
		Table    string   `json:"table"`
		First    int      `json:"first"`
		Last     int      `json:"last"`
		Expected int64    `json:"expected"`
		Actual   int64    `json:"actual"`
		Rows     []string `json:"rows"`
	}

	// Notifier publishes conflicts. An event.Publisher[Conflict] implements it.
	Notifier interface {
		Publish(ctx context.Context, c Conflict) error
	}

	// NotifierFunc adapts a function to a [Notifier].
	NotifierFunc func(ctx context.Context, c Conflict) error

	// OrderedPublisher publishes conflicts with an ordering key.
	OrderedPublisher interface {
		Publish(ctx context.Context, c Conflict, orderingKey string) error
	}
)

// NewExecutor creates an executor. By default it compiles with the Snowflake renderer
// and publishes nothing.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{gen: sqlgen.New(nil)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithNotifier publishes every concurrency conflict on n. Publishing failures are logged,
// they never change the outcome of the batch.
func WithNotifier(n Notifier) ExecutorOption {
	return func(e *Executor) {
		e.notifier = n
	}
}

// WithGenerator sets the generator used by [Executor.Save].
func WithGenerator(g sqlgen.Generator) ExecutorOption {
	return func(e *Executor) {
		e.gen = g
	}
}

// Publish calls f.
func (f NotifierFunc) Publish(ctx context.Context, c Conflict) error {
	return f(ctx, c)
}

// OrderedNotifier publishes conflicts of the same table in order, using the table as
// ordering key. An event.OrderedGooglePublisher[Conflict] implements p.
func OrderedNotifier(p OrderedPublisher) Notifier {
	return NotifierFunc(func(ctx context.Context, c Conflict) error {
		return p.Publish(ctx, c, c.Table)
	})
}

// Execute runs the batch and consumes its response.
// Errors match one of the kinds of the update package.
func (e *Executor) Execute(ctx context.Context, s Session, b Batch) (Result, error) {
	log := slog.FromCtx(ctx).With("batch_id", b.ID().String(), "kind", string(b.Kind()), "sql_hash", SQLHash(b))

	start := time.Now()
	res, err := e.execute(ctx, s, b)
	elapsed := time.Since(start)
	sampleExecute(b, elapsed, res, err)

	if err != nil {
		var conflict *update.ConflictError
		if errors.As(err, &conflict) {
			e.notify(ctx, log, b, conflict)
		}
		log.Debug("batch failed", "elapsed", elapsed, "error", err)
		return Result{}, err
	}
	log.Debug("batch executed", "elapsed", elapsed, "rows_affected", res.RowsAffected,
		"requires_transaction", b.RequiresTransaction())
	return res, nil
}

// Save writes the commands in order. A command that reads generated values is followed
// by its post-modification read, with no other statement in between.
// Save stops at the first failure, the caller must discard the session's transaction.
func (e *Executor) Save(ctx context.Context, s Session, commands []*update.ModificationCommand) (Result, error) {
	var total Result
	for i, cmd := range commands {
		w := NewWrite(e.gen)
		if _, err := w.Append(cmd); err != nil {
			return total, fmt.Errorf("command %d: %w", i, err)
		}
		res, err := e.Execute(ctx, s, w)
		if err != nil {
			return total, fmt.Errorf("command %d: %w", i, err)
		}
		total.RowsAffected += res.RowsAffected

		if !cmd.NeedsPostModificationRead() {
			continue
		}
		r, err := NewReadBack(e.gen, cmd)
		if err != nil {
			return total, fmt.Errorf("command %d: %w", i, err)
		}
		if _, err := e.Execute(ctx, s, r); err != nil {
			return total, fmt.Errorf("command %d: %w", i, err)
		}
	}
	return total, nil
}

// SQLHash returns the hex encoded [Batch.Fingerprint].
func SQLHash(b Batch) string {
	return fmt.Sprintf("%016x", b.Fingerprint())
}

func (e *Executor) execute(ctx context.Context, s Session, b Batch) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, update.Cancelled(fmt.Errorf("executing batch %s: %w", b.ID(), err))
	}
	args, err := b.Args()
	if err != nil {
		return Result{}, err
	}
	resp, err := s.Query(ctx, b.SQL(), args...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, update.Cancelled(err)
		}
		return Result{}, update.WrapCommand(err, 0, b.Commands()[0])
	}
	defer func() { _ = resp.Close() }()

	return b.Consume(ctx, resp)
}

func (e *Executor) notify(ctx context.Context, log *slog.Logger, b Batch, conflict *update.ConflictError) {
	c := Conflict{
		BatchID:  b.ID().String(),
		SQLHash:  SQLHash(b),
		First:    conflict.First,
		Last:     conflict.Last,
		Expected: conflict.Expected,
		Actual:   conflict.Actual,
	}
	for _, cmd := range conflict.Commands {
		c.Rows = append(c.Rows, cmd.String())
	}
	if len(conflict.Commands) > 0 {
		c.Table = conflict.Commands[0].Table.String()
	}
	sampleConflict(c.Table)
	log.Warn("concurrency conflict", "table", c.Table, "expected", c.Expected, "actual", c.Actual, "rows", c.Rows)

	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(ctx, c); err != nil {
		log.Error("publishing concurrency conflict", "error", err)
	}
}
