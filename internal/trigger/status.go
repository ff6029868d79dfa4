package trigger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Status struct {
	Function bool
	// Triggers maps each watched table to whether its trigger is installed.
	Triggers map[string]bool
}

// Complete reports whether the function and every trigger are installed.
func (s *Status) Complete() bool {
	if !s.Function {
		return false
	}
	for _, ok := range s.Triggers {
		if !ok {
			return false
		}
	}
	return true
}

// Inspect reads the catalog to find which of the objects Create installs
// are present. Create itself does not verify its work; this does.
func (p *Provisioner) Inspect(ctx context.Context, q Querier) (*Status, error) {
	status := &Status{Triggers: make(map[string]bool, len(p.config.Tables))}

	err := q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_proc WHERE proname = $1)",
		p.config.Function,
	).Scan(&status.Function)
	if err != nil {
		return nil, fmt.Errorf("failed to check function: %w", err)
	}

	for _, table := range p.config.Tables {
		var exists bool
		err := q.QueryRow(ctx,
			`SELECT EXISTS (
  SELECT 1 FROM pg_trigger t
  JOIN pg_class c ON c.oid = t.tgrelid
  WHERE t.tgname = $1 AND c.relname = $2 AND NOT t.tgisinternal
)`,
			p.config.TriggerName(table), table,
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check trigger on %s: %w", table, err)
		}
		status.Triggers[table] = exists
	}

	return status, nil
}
