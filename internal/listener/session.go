package listener

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pghook/pghook/internal/cdc"
)

// PgConn is the subset of *pgx.Conn a PgSession needs.
type PgConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// PgSession implements Session over a dedicated postgres connection.
type PgSession struct {
	conn PgConn
}

func NewPgSession(conn PgConn) *PgSession {
	return &PgSession{conn: conn}
}

func (s *PgSession) Listen(ctx context.Context, channel string) error {
	_, err := s.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (s *PgSession) Unlisten(ctx context.Context, channel string) error {
	_, err := s.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (s *PgSession) WaitForNotification(ctx context.Context) (*cdc.Notification, error) {
	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &cdc.Notification{
		Channel: n.Channel,
		PID:     n.PID,
		Payload: n.Payload,
	}, nil
}
