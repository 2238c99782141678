// Package batch owns the execution units sent to Snowflake: the compiled SQL of a command,
// its bound parameters and the result set mappings the consumer walks once the store answers.
//
// A [Batch] is either a [*Write], holding one ordinary command, or a [*ReadBack], the
// follow-up SELECT that recovers the values generated by the write that ran right before
// it in the same session. A batch is executed and consumed exactly once:
//
//	open -> executed ([Batch.Args]) -> consumed ([Batch.Consume])
package batch

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/birdie-ai/sfupdate/sqlgen"
	"github.com/birdie-ai/sfupdate/update"
	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

type (
	// Batch is one execution unit. It is implemented only by [*Write] and [*ReadBack].
	Batch interface {
		ID() uuid.UUID
		Kind() Kind
		SQL() string
		Parameters() []sqlgen.Parameter
		Commands() []*update.ModificationCommand
		Mappings() []sqlgen.ResultSetMapping
		RequiresTransaction() bool
		Fingerprint() uint64

		// Args returns the query arguments and marks the batch as executed.
		// Output parameters are passed as [sql.Out].
		Args() ([]any, error)

		// Consume interprets the response of the executed batch, binding generated and
		// output values onto the commands. It seals the batch.
		Consume(ctx context.Context, resp Response) (Result, error)

		sealed()
	}

	// Kind identifies the variant of a [Batch].
	Kind string

	// Result is the outcome of a consumed batch.
	Result struct {
		// RowsAffected is the sum of the verified rows affected counts.
		RowsAffected int64
	}

	// Write is a batch of ordinary commands. It holds at most one command since Snowflake
	// can't report distinguishable results for several statements of one round trip.
	Write struct {
		core
		gen       sqlgen.Generator
		generated bool
		capacity  int
	}

	// ReadBack is the post-modification read of a single source command. Its commands are
	// the source command only, so the values it reads are bound where the caller expects them.
	ReadBack struct {
		core
		source *update.ModificationCommand
	}

	lifecycle int

	core struct {
		id       uuid.UUID
		kind     Kind
		b        sqlgen.Builder
		commands []*update.ModificationCommand
		mappings []sqlgen.ResultSetMapping
		outputs  []any
		state    lifecycle
	}
)

// Batch kinds.
const (
	KindWrite    Kind = "write"
	KindReadBack Kind = "read_back"
)

const (
	open lifecycle = iota
	executed
	consumed
)

func (l lifecycle) String() string {
	switch l {
	case open:
		return "open"
	case executed:
		return "executed"
	default:
		return "consumed"
	}
}

// NewWrite creates an empty write batch compiling commands with gen.
func NewWrite(gen sqlgen.Generator) *Write {
	return &Write{
		core:     core{id: uuid.New(), kind: KindWrite},
		gen:      gen,
		capacity: 1,
	}
}

// Append compiles the command into the batch. It returns false, and leaves the batch
// untouched, when the batch is full.
func (w *Write) Append(cmd *update.ModificationCommand) (bool, error) {
	if w.state != open {
		return false, update.Violationf("batch %s: append on %v batch", w.id, w.state)
	}
	if len(w.commands) == w.capacity {
		return false, nil
	}
	mapping, requiresTx, err := w.gen.Append(&w.b, cmd)
	if err != nil {
		return false, err
	}
	w.commands = append(w.commands, cmd)
	w.mappings = append(w.mappings, mapping)
	w.generated = w.generated || requiresTx
	return true, nil
}

// RequiresTransaction returns true if more than one command is pending or the
// generator asked for a transaction.
func (w *Write) RequiresTransaction() bool {
	return len(w.commands) > 1 || w.generated
}

// NewReadBack creates the post-modification read of source, which must be an Added or
// Modified command without stored procedure that reads generated values.
//
// The read matches the row by the values written by an insert, or by the keys of an update
// (its conditions when it has no key).
func NewReadBack(gen sqlgen.Generator, source *update.ModificationCommand) (*ReadBack, error) {
	if source.Procedure != nil {
		return nil, update.Violationf("post-modification read of %v: stored procedure commands have nothing to read back", source)
	}
	if source.State != update.Added && source.State != update.Modified {
		return nil, update.Violationf("post-modification read of %v: only added or modified rows can be read back", source)
	}
	r := &ReadBack{
		core:   core{id: uuid.New(), kind: KindReadBack},
		source: source,
	}
	matches, err := matchColumns(source)
	if err != nil {
		return nil, err
	}
	mapping, err := gen.AppendSelectAffected(&r.b, source.Table, source.ReadColumns(), matches)
	if err != nil {
		return nil, err
	}
	r.commands = []*update.ModificationCommand{source}
	r.mappings = []sqlgen.ResultSetMapping{mapping}
	return r, nil
}

// RequiresTransaction is always true, the read is only correct on the snapshot of the
// write that ran before it.
func (r *ReadBack) RequiresTransaction() bool {
	return true
}

// Source returns the command whose generated values are read.
func (r *ReadBack) Source() *update.ModificationCommand {
	return r.source
}

// RequiresTransaction reports whether saving the commands needs an enclosing transaction,
// which is the case for more than one command or for any generated value read back.
func RequiresTransaction(gen sqlgen.Generator, commands []*update.ModificationCommand) (bool, error) {
	if len(commands) > 1 {
		return true, nil
	}
	for _, cmd := range commands {
		w := NewWrite(gen)
		if _, err := w.Append(cmd); err != nil {
			return false, err
		}
		if w.RequiresTransaction() {
			return true, nil
		}
	}
	return false, nil
}

// matchColumns returns the columns identifying the row after the write of cmd.
// An inserted row is matched by its written values. A modified row is matched by its keys,
// or by its conditions when it has no key, each one holding the value the row has after
// the write.
func matchColumns(cmd *update.ModificationCommand) ([]*update.ColumnModification, error) {
	if cmd.State != update.Modified {
		var res []*update.ColumnModification
		for _, c := range cmd.Columns {
			if c.IsWrite && !c.IsRead {
				res = append(res, c)
			}
		}
		return res, nil
	}

	identity := cmd.KeyColumns()
	if len(identity) == 0 {
		for _, c := range cmd.ConditionColumns() {
			// a generated condition, like a row version, changed with the write.
			if !c.IsRead {
				identity = append(identity, c)
			}
		}
	}
	if len(identity) == 0 {
		return nil, update.Violationf("post-modification read of %v: no key or condition column identifies the row", cmd)
	}
	res := make([]*update.ColumnModification, len(identity))
	for i, c := range identity {
		match := *c
		match.Current = afterWrite(c)
		// the row exists, a generated key is matched by its known value.
		match.IsRead = false
		res[i] = &match
	}
	return res, nil
}

// afterWrite is the value of a modified column once the write ran: the written value,
// or else the original value the row was matched with.
func afterWrite(c *update.ColumnModification) any {
	if c.IsWrite || update.IsNull(c.Original) {
		return c.Current
	}
	return c.Original
}

func (c *core) sealed() {}

// ID is a random identifier used to correlate logs, metrics and events of the batch.
func (c *core) ID() uuid.UUID {
	return c.id
}

// Kind returns the variant of the batch.
func (c *core) Kind() Kind {
	return c.kind
}

// SQL returns the compiled SQL text.
func (c *core) SQL() string {
	return c.b.SQL()
}

// Parameters returns the bound parameters in placeholder order.
func (c *core) Parameters() []sqlgen.Parameter {
	return c.b.Parameters()
}

// Commands returns the commands whose results the batch propagates.
func (c *core) Commands() []*update.ModificationCommand {
	return c.commands
}

// Mappings returns one mapping per command.
func (c *core) Mappings() []sqlgen.ResultSetMapping {
	return c.mappings
}

// Fingerprint is the hash of the SQL text. Literal values are part of the text, so it
// identifies a statement, not a statement shape.
func (c *core) Fingerprint() uint64 {
	return xxhash.Sum64String(c.b.SQL())
}

// Args returns the query arguments and marks the batch as executed.
func (c *core) Args() ([]any, error) {
	if c.state != open {
		return nil, update.Violationf("batch %s: executing %v batch", c.id, c.state)
	}
	if len(c.commands) == 0 {
		return nil, update.Violationf("batch %s: executing empty batch", c.id)
	}
	c.state = executed

	params := c.b.Parameters()
	args := make([]any, len(params))
	c.outputs = make([]any, len(params))
	for i, p := range params {
		if !p.IsOutput() {
			args[i] = p.Value
			continue
		}
		c.outputs[i] = p.Value
		args[i] = sql.Out{Dest: &c.outputs[i], In: p.Direction == update.InOut}
	}
	return args, nil
}

// Consume interprets the response of the executed batch.
func (c *core) Consume(ctx context.Context, resp Response) (Result, error) {
	if c.state != executed {
		return Result{}, update.Violationf("batch %s: consuming %v batch", c.id, c.state)
	}
	c.state = consumed
	if err := ctx.Err(); err != nil {
		return Result{}, update.Cancelled(fmt.Errorf("consuming batch %s: %w", c.id, err))
	}
	return newReader(ctx, resp, c.commands, c.mappings, c.outputs).read()
}
