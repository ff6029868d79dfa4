package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// SQLSTATE codes meaning the object being dropped was not there.
const (
	codeUndefinedFunction = "42883"
	codeUndefinedObject   = "42704"
	codeUndefinedTable    = "42P01"
)

type Outcome string

const (
	Applied Outcome = "applied"
	Absent  Outcome = "absent"
	Failed  Outcome = "failed"
)

// Execer is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type Config struct {
	Channel       string
	Function      string
	TriggerPrefix string
	Tables        []string
}

// TriggerName returns the name of the trigger installed on table.
func (c *Config) TriggerName(table string) string {
	return c.TriggerPrefix + table + "_event"
}

// Result records the outcome of a single DDL statement.
type Result struct {
	Object  string
	Outcome Outcome
	Err     error
}

type Report struct {
	Results []Result
}

func (r *Report) add(object string, outcome Outcome, err error) {
	r.Results = append(r.Results, Result{Object: object, Outcome: outcome, Err: err})
}

// Err joins the errors of every failed step. Absent objects are not errors.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Outcome == Failed {
			errs = append(errs, fmt.Errorf("%s: %w", res.Object, res.Err))
		}
	}
	return errors.Join(errs...)
}

func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == Failed {
			n++
		}
	}
	return n
}

type Provisioner struct {
	db     Execer
	config *Config
	logger zerolog.Logger
}

func NewProvisioner(db Execer, config *Config, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		db:     db,
		config: config,
		logger: logger,
	}
}

// FunctionSQL returns the CREATE OR REPLACE statement for the shared notify
// function. The row image is OLD for DELETE and NEW otherwise, and the
// function returns NULL since AFTER triggers ignore the result.
func (p *Provisioner) FunctionSQL() string {
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$
DECLARE
  rec RECORD;
  payload JSON;
BEGIN
  IF (TG_OP = 'DELETE') THEN
    rec = OLD;
  ELSE
    rec = NEW;
  END IF;
  payload = json_build_object('table', TG_TABLE_NAME,
                              'action', TG_OP,
                              'data', row_to_json(rec));
  PERFORM pg_notify(%s, payload::text);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
		pgx.Identifier{p.config.Function}.Sanitize(),
		quoteLiteral(p.config.Channel),
	)
}

func (p *Provisioner) triggerSQL(table string) string {
	return fmt.Sprintf(`CREATE TRIGGER %s
AFTER INSERT OR UPDATE OR DELETE ON %s
  FOR EACH ROW EXECUTE PROCEDURE %s()`,
		pgx.Identifier{p.config.TriggerName(table)}.Sanitize(),
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{p.config.Function}.Sanitize(),
	)
}

// Drop removes the trigger on every table and then the shared function.
// Missing objects are reported as Absent; any other error is logged as
// Failed and the remaining statements still run.
func (p *Provisioner) Drop(ctx context.Context) *Report {
	report := &Report{}

	for _, table := range p.config.Tables {
		name := p.config.TriggerName(table)
		stmt := fmt.Sprintf("DROP TRIGGER %s ON %s",
			pgx.Identifier{name}.Sanitize(),
			pgx.Identifier{table}.Sanitize(),
		)
		p.exec(ctx, report, "trigger "+name+" on "+table, stmt, true)
	}

	stmt := fmt.Sprintf("DROP FUNCTION %s()", pgx.Identifier{p.config.Function}.Sanitize())
	p.exec(ctx, report, "function "+p.config.Function, stmt, true)

	if report.Failed() == 0 {
		p.logger.Info().Msg("function and triggers have been dropped")
	}
	return report
}

// Create installs the shared function and one trigger per table. An
// existing trigger of the same name is a failure, not an absent object.
func (p *Provisioner) Create(ctx context.Context) *Report {
	report := &Report{}

	p.exec(ctx, report, "function "+p.config.Function, p.FunctionSQL(), false)

	for _, table := range p.config.Tables {
		name := p.config.TriggerName(table)
		p.exec(ctx, report, "trigger "+name+" on "+table, p.triggerSQL(table), false)
	}

	if report.Failed() == 0 {
		p.logger.Info().Msg("function and triggers have been created")
	}
	return report
}

func (p *Provisioner) exec(ctx context.Context, report *Report, object, stmt string, dropping bool) {
	_, err := p.db.Exec(ctx, stmt)
	switch {
	case err == nil:
		report.add(object, Applied, nil)
		p.logger.Debug().Str("object", object).Msg("applied")
	case dropping && isAbsent(err):
		report.add(object, Absent, nil)
		p.logger.Debug().Str("object", object).Msg("nothing to drop")
	default:
		report.add(object, Failed, err)
		p.logger.Error().Err(err).Str("object", object).Msg("provisioning statement failed")
	}
}

func isAbsent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeUndefinedFunction, codeUndefinedObject, codeUndefinedTable:
		return true
	}
	return false
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
