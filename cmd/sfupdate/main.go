// Sfupdate compiles a modification plan into the Snowflake batches that would save it.
//
// Usage:
//
//	sfupdate [-parallel N] <plan.json>
//
// The batches are printed in plan order, each with its result set mappings
// and whether it must run inside a transaction.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/birdie-ai/sfupdate/batch"
	"github.com/birdie-ai/sfupdate/plan"
	"github.com/birdie-ai/sfupdate/slog"
	"github.com/birdie-ai/sfupdate/sqlgen"
	"github.com/birdie-ai/sfupdate/update"
	"golang.org/x/sync/errgroup"
)

func main() {
	parallel := flag.Int("parallel", runtime.GOMAXPROCS(0), "how many commands are compiled concurrently")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-parallel N] <plan.json>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 || *parallel < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := slog.LoadConfig("SFUPDATE")
	if err != nil {
		slog.Fatal("loading log config", "error", err)
	}
	if err := slog.Configure(cfg); err != nil {
		slog.Fatal("configuring logger", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	path := flag.Arg(0)
	log := slog.Default().With("plan", path)
	ctx = slog.NewContext(ctx, log)

	commands, err := plan.DecodeFile(path)
	if err != nil {
		log.Fatal("decoding plan", "error", err)
	}
	log.Debug("plan decoded", "commands", len(commands))

	res, err := compile(ctx, sqlgen.New(nil), commands, *parallel)
	if err != nil {
		log.Fatal("compiling plan", "error", err)
	}
	if err := writeBatches(os.Stdout, res); err != nil {
		log.Fatal("writing batches", "error", err)
	}
}

// compiled holds the batches of a single command.
type compiled struct {
	command *update.ModificationCommand
	batches []batch.Batch
}

// compile builds the batches of every command, at most parallel at a time.
// The result keeps the order of commands.
func compile(ctx context.Context, gen sqlgen.Generator, commands []*update.ModificationCommand, parallel int) ([]compiled, error) {
	res := make([]compiled, len(commands))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for i, cmd := range commands {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return update.Cancelled(err)
			}
			batches, err := compileCommand(gen, cmd)
			if err != nil {
				return fmt.Errorf("command %d: %w", i, err)
			}
			slog.FromCtx(ctx).Debug("command compiled", "index", i, "command", cmd.String(), "batches", len(batches))
			res[i] = compiled{command: cmd, batches: batches}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

func compileCommand(gen sqlgen.Generator, cmd *update.ModificationCommand) ([]batch.Batch, error) {
	w := batch.NewWrite(gen)
	ok, err := w.Append(cmd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, update.Violationf("empty write batch refused %s", cmd)
	}
	batches := []batch.Batch{w}
	if !cmd.NeedsPostModificationRead() {
		return batches, nil
	}
	r, err := batch.NewReadBack(gen, cmd)
	if err != nil {
		return nil, err
	}
	return append(batches, r), nil
}

func writeBatches(w io.Writer, commands []compiled) error {
	for i, c := range commands {
		if _, err := fmt.Fprintf(w, "-- command %d: %s\n", i, c.command); err != nil {
			return err
		}
		for _, b := range c.batches {
			_, err := fmt.Fprintf(w, "-- %s batch sql_hash=%s requires_transaction=%t\n%s;\n",
				b.Kind(), batch.SQLHash(b), b.RequiresTransaction(), b.SQL())
			if err != nil {
				return err
			}
			for _, m := range b.Mappings() {
				if _, err := fmt.Fprintf(w, "-- => %s\n", m); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
