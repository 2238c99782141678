package batch_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"

	"github.com/birdie-ai/sfupdate/batch"
	"github.com/birdie-ai/sfupdate/sqlgen"
	"github.com/birdie-ai/sfupdate/update"
	"github.com/google/go-cmp/cmp"
)

func TestWriteHoldsOneCommand(t *testing.T) {
	t.Parallel()

	w := batch.NewWrite(sqlgen.New(nil))
	assertLengths(t, w)

	ok, err := w.Append(insertWithGeneratedID())
	if err != nil || !ok {
		t.Fatalf("append: got (%v, %v); want (true, nil)", ok, err)
	}
	assertLengths(t, w)

	ok, err = w.Append(deleteRow(2))
	if err != nil || ok {
		t.Fatalf("append on full batch: got (%v, %v); want (false, nil)", ok, err)
	}
	assertLengths(t, w)
	assertEqual(t, len(w.Commands()), 1)
	assertEqual(t, w.SQL(), `INSERT INTO "T" ("Name") SELECT 'abc'`)
	assertEqual(t, w.RequiresTransaction(), true)
	assertEqual(t, w.Kind(), batch.KindWrite)
}

func TestWriteRequiresTransaction(t *testing.T) {
	t.Parallel()

	w := batch.NewWrite(sqlgen.New(nil))
	if _, err := w.Append(deleteRow(1)); err != nil {
		t.Fatal(err)
	}
	if w.RequiresTransaction() {
		t.Fatal("single delete requires transaction")
	}

	gen := sqlgen.New(nil)
	for _, tc := range []struct {
		commands []*update.ModificationCommand
		want     bool
	}{
		{[]*update.ModificationCommand{deleteRow(1)}, false},
		{[]*update.ModificationCommand{insertWithGeneratedID()}, true},
		{[]*update.ModificationCommand{deleteRow(1), deleteRow(2)}, true},
		{nil, false},
	} {
		got, err := batch.RequiresTransaction(gen, tc.commands)
		if err != nil {
			t.Fatal(err)
		}
		assertEqual(t, got, tc.want)
	}
}

func TestWriteRejectsInvalidCommand(t *testing.T) {
	t.Parallel()

	w := batch.NewWrite(sqlgen.New(nil))
	cmd := &update.ModificationCommand{Table: update.Table{Name: "T"}, State: update.Added}
	if _, err := w.Append(cmd); !errors.Is(err, update.ErrProtocolViolation) {
		t.Fatalf("got %v; want protocol violation", err)
	}
	assertLengths(t, w)
	if _, err := w.Args(); !errors.Is(err, update.ErrProtocolViolation) {
		t.Fatalf("executing empty batch: got %v; want protocol violation", err)
	}
}

func TestReadBack(t *testing.T) {
	t.Parallel()

	type testcase struct {
		name string
		cmd  *update.ModificationCommand
		want string
	}

	for _, tc := range []testcase{
		{
			name: "insert with generated id",
			cmd:  insertWithGeneratedID(),
			want: `SELECT MAX("Id") AS "Id", COUNT(*) FROM "T" AT(statement=>last_query_id()) WHERE "Name" = 'abc'`,
		},
		{
			name: "fully generated row",
			cmd: &update.ModificationCommand{Table: update.Table{Name: "T"}, State: update.Added, Columns: []*update.ColumnModification{
				{Name: "Id", IsRead: true, IsKey: true},
			}},
			want: `SELECT MAX("Id") AS "Id", COUNT(*) FROM "T" AT(statement=>last_query_id()) WHERE 1 = 1`,
		},
		{
			name: "update with computed column",
			cmd: &update.ModificationCommand{Table: update.Table{Name: "T"}, State: update.Modified, Columns: []*update.ColumnModification{
				{Name: "Id", IsKey: true, IsCondition: true, Current: 4, Original: 4},
				{Name: "Name", IsWrite: true, Current: "new"},
				{Name: "Updated", IsRead: true},
			}},
			want: `SELECT MAX("Updated") AS "Updated", COUNT(*) FROM "T" AT(statement=>last_query_id()) WHERE "Id" = 4`,
		},
		{
			name: "update with key holding only its original value",
			cmd: &update.ModificationCommand{Table: update.Table{Name: "T"}, State: update.Modified, Columns: []*update.ColumnModification{
				{Name: "Id", IsKey: true, IsCondition: true, Original: 7},
				{Name: "Name", IsWrite: true, Current: "new"},
				{Name: "Updated", IsRead: true},
			}},
			want: `SELECT MAX("Updated") AS "Updated", COUNT(*) FROM "T" AT(statement=>last_query_id()) WHERE "Id" = 7`,
		},
		{
			name: "update without key matches its conditions after the write",
			cmd: &update.ModificationCommand{Table: update.Table{Name: "T"}, State: update.Modified, Columns: []*update.ColumnModification{
				{Name: "Id", IsCondition: true, Original: 1},
				{Name: "Rev", IsCondition: true, IsWrite: true, Original: 1, Current: 2},
				{Name: "Stamp", IsCondition: true, IsRead: true, Original: "a"},
				{Name: "Updated", IsRead: true},
			}},
			want: `SELECT MAX("Stamp") AS "Stamp", MAX("Updated") AS "Updated", COUNT(*) FROM "T" AT(statement=>last_query_id()) WHERE "Id" = 1 AND "Rev" = 2`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := batch.NewReadBack(sqlgen.New(nil), tc.cmd)
			if err != nil {
				t.Fatal(err)
			}
			assertLengths(t, r)
			assertEqual(t, r.SQL(), tc.want)
			assertEqual(t, r.Kind(), batch.KindReadBack)
			assertEqual(t, r.RequiresTransaction(), true)
			if len(r.Commands()) != 1 || r.Commands()[0] != tc.cmd || r.Source() != tc.cmd {
				t.Fatal("read-back doesn't expose its source command")
			}
		})
	}
}

func TestReadBackGuards(t *testing.T) {
	t.Parallel()

	procedure := insertWithGeneratedID()
	procedure.Procedure = &update.StoredProcedure{
		Name:       "insert_t",
		Parameters: []update.ProcedureParameter{{Name: "name", Column: "Name"}},
	}
	nothingToRead := &update.ModificationCommand{Table: update.Table{Name: "T"}, State: update.Added, Columns: []*update.ColumnModification{
		{Name: "Name", IsWrite: true, Current: "abc"},
	}}
	unidentified := &update.ModificationCommand{Table: update.Table{Name: "T"}, State: update.Modified, Columns: []*update.ColumnModification{
		{Name: "Name", IsWrite: true, Current: "new"},
		{Name: "Version", IsRead: true, IsCondition: true, Original: 1},
	}}

	for _, cmd := range []*update.ModificationCommand{deleteRow(1), procedure, nothingToRead, unidentified} {
		if _, err := batch.NewReadBack(sqlgen.New(nil), cmd); !errors.Is(err, update.ErrProtocolViolation) {
			t.Errorf("%v: got %v; want protocol violation", cmd, err)
		}
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := batch.NewWrite(sqlgen.New(nil))
	if _, err := w.Append(deleteRow(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Consume(ctx, rowsAffected(1)); !errors.Is(err, update.ErrProtocolViolation) {
		t.Fatalf("consume before execution: got %v", err)
	}
	if _, err := w.Args(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Args(); !errors.Is(err, update.ErrProtocolViolation) {
		t.Fatalf("executed twice: got %v", err)
	}
	if _, err := w.Append(deleteRow(2)); !errors.Is(err, update.ErrProtocolViolation) {
		t.Fatalf("append after execution: got %v", err)
	}
	res, err := w.Consume(ctx, rowsAffected(1))
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, res, batch.Result{RowsAffected: 1})
	if _, err := w.Consume(ctx, rowsAffected(1)); !errors.Is(err, update.ErrProtocolViolation) {
		t.Fatalf("consumed twice: got %v", err)
	}
}

func TestArgs(t *testing.T) {
	t.Parallel()

	cmd := &update.ModificationCommand{Table: update.Table{Name: "T"}, State: update.Modified, Columns: []*update.ColumnModification{
		{Name: "Id", IsKey: true, IsCondition: true, Current: 1, Original: 1},
		{Name: "Name", IsWrite: true, Current: "new", Original: "old"},
		{Name: "Version", IsWrite: true, Current: int64(3), Original: int64(2)},
	}, Procedure: &update.StoredProcedure{
		Name: "update_t",
		Parameters: []update.ProcedureParameter{
			{Name: "id", Column: "Id"},
			{Name: "name", Column: "Name", UseOriginalValue: true},
			{Name: "version", Column: "Version", Direction: update.InOut},
		},
	}}
	w := batch.NewWrite(sqlgen.New(nil))
	if _, err := w.Append(cmd); err != nil {
		t.Fatal(err)
	}
	args, err := w.Args()
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 3 {
		t.Fatalf("got %d args; want 3", len(args))
	}
	assertEqual(t, args[0], any(1))
	assertEqual(t, args[1], any("old"))
	out, ok := args[2].(sql.Out)
	if !ok || !out.In {
		t.Fatalf("got %#v; want input/output sql.Out", args[2])
	}
	assertEqual(t, *out.Dest.(*any), any(int64(3)))
}

func TestRowsAffectedGroup(t *testing.T) {
	t.Parallel()

	mappings := []sqlgen.ResultSetMapping{
		{Result: sqlgen.RowsAffected{Expected: 1}},
		{Result: sqlgen.RowsAffected{Expected: 1}, LastInGroup: true},
	}
	ctx := context.Background()

	res, err := batch.ReadResponse(ctx, rowsAffected(1, 1), []*update.ModificationCommand{deleteRow(1), deleteRow(2)}, mappings)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, res, batch.Result{RowsAffected: 2})

	commands := []*update.ModificationCommand{deleteRow(1), deleteRow(2)}
	_, err = batch.ReadResponse(ctx, rowsAffected(1, 0), commands, mappings)
	var conflict *update.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v; want concurrency conflict", err)
	}
	assertEqual(t, [2]int{conflict.First, conflict.Last}, [2]int{0, 1})
	assertEqual(t, conflict.Expected, int64(2))
	assertEqual(t, conflict.Actual, int64(1))
	if len(conflict.Commands) != 2 || conflict.Commands[0] != commands[0] || conflict.Commands[1] != commands[1] {
		t.Fatalf("conflict names the wrong commands: %v", conflict.Commands)
	}

	// the store may also report the group as a single count.
	if _, err := batch.ReadResponse(ctx, rowsAffected(2), commands, mappings); err != nil {
		t.Fatal(err)
	}
}

func TestReadResponseMappingCountMismatch(t *testing.T) {
	t.Parallel()

	_, err := batch.ReadResponse(context.Background(), rowsAffected(1), []*update.ModificationCommand{deleteRow(1)}, nil)
	if !errors.Is(err, update.ErrProtocolViolation) {
		t.Fatalf("got %v; want protocol violation", err)
	}
}

func TestReadResponseSeveralResultSets(t *testing.T) {
	t.Parallel()

	commands := []*update.ModificationCommand{deleteRow(1), insertWithGeneratedID(), deleteRow(3)}
	mappings := []sqlgen.ResultSetMapping{
		{Result: sqlgen.RowsAffected{Expected: 1}, LastInGroup: true},
		{Result: sqlgen.DataRow{Columns: []string{"Id"}}, LastInGroup: true},
		{Result: sqlgen.NoResults{}},
	}
	resp := &fakeResponse{
		columns: [][]string{{"count"}, {"Id"}},
		sets:    [][][]any{{{int64(1)}}, {{int64(9)}}},
	}
	res, err := batch.ReadResponse(context.Background(), resp, commands, mappings)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, res, batch.Result{RowsAffected: 1})
	assertEqual(t, commands[1].Column("Id").Current, any(int64(9)))

	// a response with fewer result sets than mappings is a protocol error.
	resp = &fakeResponse{
		columns: [][]string{{"count"}},
		sets:    [][][]any{{{int64(1)}}},
	}
	_, err = batch.ReadResponse(context.Background(), resp, commands, mappings)
	if !errors.Is(err, update.ErrProtocolViolation) {
		t.Fatalf("got %v; want protocol violation", err)
	}
	var cmdErr *update.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Index != 1 {
		t.Fatalf("got %v; want error on command 1", err)
	}
}

func TestConsumeStringCounts(t *testing.T) {
	t.Parallel()

	w := batch.NewWrite(sqlgen.New(nil))
	if _, err := w.Append(deleteRow(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Args(); err != nil {
		t.Fatal(err)
	}
	resp := &fakeResponse{columns: [][]string{{"number of rows deleted"}}, sets: [][][]any{{{"1"}}}}
	res, err := w.Consume(context.Background(), resp)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, res.RowsAffected, int64(1))
}

func TestConsumeInvalidCounts(t *testing.T) {
	t.Parallel()

	for _, count := range []any{1.5, uint64(math.MaxUint64), 1e19, "many"} {
		w := batch.NewWrite(sqlgen.New(nil))
		if _, err := w.Append(deleteRow(1)); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Args(); err != nil {
			t.Fatal(err)
		}
		resp := &fakeResponse{columns: [][]string{{"number of rows deleted"}}, sets: [][][]any{{{count}}}}
		if _, err := w.Consume(context.Background(), resp); !errors.Is(err, update.ErrProtocolViolation) {
			t.Errorf("count %v: got %v; want protocol violation", count, err)
		}
	}
}

func TestConsumeCancelled(t *testing.T) {
	t.Parallel()

	w := batch.NewWrite(sqlgen.New(nil))
	if _, err := w.Append(deleteRow(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Args(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Consume(ctx, rowsAffected(1))
	if !errors.Is(err, update.ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v; want cancellation", err)
	}
}

func TestConsumeProviderError(t *testing.T) {
	t.Parallel()

	cmd := deleteRow(1)
	w := batch.NewWrite(sqlgen.New(nil))
	if _, err := w.Append(cmd); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Args(); err != nil {
		t.Fatal(err)
	}
	networkErr := errors.New("connection reset")
	resp := rowsAffected()
	resp.err = networkErr

	_, err := w.Consume(context.Background(), resp)
	if !errors.Is(err, update.ErrProviderExecution) || !errors.Is(err, networkErr) {
		t.Fatalf("got %v; want provider error", err)
	}
	var cmdErr *update.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Command != cmd {
		t.Fatalf("got %v; want error with row context", err)
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	compile := func(id int) batch.Batch {
		w := batch.NewWrite(sqlgen.New(nil))
		if _, err := w.Append(deleteRow(id)); err != nil {
			t.Fatal(err)
		}
		return w
	}
	a, b, c := compile(1), compile(1), compile(2)
	if a.ID() == b.ID() {
		t.Fatal("batches share the same ID")
	}
	assertEqual(t, a.Fingerprint(), b.Fingerprint())
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("different statements share the same fingerprint")
	}
	assertEqual(t, len(batch.SQLHash(a)), 16)
}

func insertWithGeneratedID() *update.ModificationCommand {
	return &update.ModificationCommand{
		Table: update.Table{Name: "T"},
		State: update.Added,
		Columns: []*update.ColumnModification{
			{Name: "Id", IsRead: true, IsKey: true},
			{Name: "Name", IsWrite: true, Current: "abc"},
		},
	}
}

func deleteRow(id int) *update.ModificationCommand {
	return &update.ModificationCommand{
		Table: update.Table{Name: "T"},
		State: update.Deleted,
		Columns: []*update.ColumnModification{
			{Name: "Id", IsKey: true, IsCondition: true, Current: id, Original: id},
		},
	}
}

func assertLengths(t *testing.T, b batch.Batch) {
	t.Helper()

	if len(b.Commands()) != len(b.Mappings()) {
		t.Fatalf("%d commands with %d mappings", len(b.Commands()), len(b.Mappings()))
	}
}

func assertEqual[T any](t *testing.T, got T, want T) {
	t.Helper()

	if diff := cmp.Diff(got, want); diff != "" {
		t.Fatalf("got: %v\nwant: %v\ndiff: %s", got, want, diff)
	}
}
