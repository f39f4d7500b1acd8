package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Result is a fully materialized query result.
type Result struct {
	Columns []string
	Rows    [][]any
}

// ColumnIndex returns the position of the named column or -1.
func (r *Result) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Session is one live server session. Implementations are not safe for
// concurrent use; a Connection owns its session exclusively.
type Session interface {
	Exec(ctx context.Context, sql string) error
	Query(ctx context.Context, sql string) (*Result, error)
	Close(ctx context.Context) error
}

// Dialer opens a new session.
type Dialer func(ctx context.Context, cfg *pgx.ConnConfig) (Session, error)

// PgxDialer opens a session using the pgx driver.
func PgxDialer(ctx context.Context, cfg *pgx.ConnConfig) (Session, error) {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &pgxSession{conn: conn}, nil
}

type pgxSession struct {
	conn *pgx.Conn
}

func (s *pgxSession) Exec(ctx context.Context, sql string) error {
	_, err := s.conn.Exec(ctx, sql)
	return err
}

func (s *pgxSession) Query(ctx context.Context, sql string) (*Result, error) {
	rows, err := s.conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := &Result{Columns: make([]string, len(fields))}
	for i, fd := range fields {
		res.Columns[i] = fd.Name
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *pgxSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
