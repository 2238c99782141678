package batch

import (
	"context"

	"github.com/birdie-ai/sfupdate/sqlgen"
	"github.com/birdie-ai/sfupdate/update"
)

// ReadResponse walks resp for any group of commands, not only the single command a
// write batch holds.
func ReadResponse(ctx context.Context, resp Response, commands []*update.ModificationCommand, mappings []sqlgen.ResultSetMapping) (Result, error) {
	return newReader(ctx, resp, commands, mappings, nil).read()
}
