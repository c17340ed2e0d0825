package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/alatar/waitlist/internal/models"
	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
	"github.com/alatar/waitlist/services/waitlist-service/internal/config"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// PostgresDialer opens a single pgx.Conn per request. The signups table
// carries UNIQUE(email), which is what makes concurrent signups safe.
type PostgresDialer struct {
	cfg config.DatabaseConfig
}

func NewPostgresDialer(cfg config.DatabaseConfig) *PostgresDialer {
	return &PostgresDialer{cfg: cfg}
}

func (d *PostgresDialer) Name() string { return config.DriverPostgres }

func (d *PostgresDialer) table() string {
	name := d.cfg.Collection
	if name == "" {
		name = "signups"
	}
	return pgx.Identifier{name}.Sanitize()
}

func (d *PostgresDialer) Dial(ctx context.Context) (Conn, error) {
	connConfig, err := pgx.ParseConfig(d.cfg.URL)
	if err != nil {
		return nil, apperr.E(apperr.Internal, "postgres.parse_config", err)
	}
	if d.cfg.ConnectTimeout > 0 {
		connConfig.ConnectTimeout = d.cfg.ConnectTimeout
	}
	if d.cfg.ForceIPv4 {
		dialer := &ipv4Dialer{Dialer: net.Dialer{Timeout: d.cfg.ConnectTimeout}}
		connConfig.DialFunc = dialer.DialContext
	}

	pg, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, classifyPostgresConnect("postgres.connect", err)
	}

	conn := &postgresConn{conn: pg, table: d.table(), opTimeout: d.cfg.SocketTimeout}
	if err := conn.Ping(ctx); err != nil {
		return conn, err
	}
	return conn, nil
}

type postgresConn struct {
	conn      *pgx.Conn
	table     string
	opTimeout time.Duration
}

func (c *postgresConn) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *postgresConn) Ping(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.conn.Ping(ctx); err != nil {
		return classifyPostgres("postgres.ping", err)
	}
	return nil
}

func (c *postgresConn) Close(ctx context.Context) error {
	if err := c.conn.Close(ctx); err != nil {
		return classifyPostgres("postgres.close", err)
	}
	return nil
}

func (c *postgresConn) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE email = $1)`, c.table)

	var exists bool
	if err := c.conn.QueryRow(ctx, query, email).Scan(&exists); err != nil {
		return false, classifyPostgres("postgres.find", err)
	}
	return exists, nil
}

func (c *postgresConn) InsertSignup(ctx context.Context, rec models.SignupRecord) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (id, email, created_at) VALUES ($1, $2, $3)`, c.table)

	tag, err := c.conn.Exec(ctx, query, uuid.New(), rec.Email, rec.CreatedAt)
	if err != nil {
		return classifyPostgres("postgres.insert", err)
	}
	if tag.RowsAffected() != 1 {
		return apperr.E(apperr.Insert, "postgres.insert",
			fmt.Errorf("insert affected %d rows", tag.RowsAffected()))
	}
	return nil
}

func (c *postgresConn) EnsureSchema(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
		    id UUID PRIMARY KEY,
		    email TEXT NOT NULL UNIQUE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`, c.table)

	if _, err := c.conn.Exec(ctx, ddl); err != nil {
		return classifyPostgres("postgres.create_table", err)
	}
	return nil
}

func classifyPostgres(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		pgErr  *pgconn.PgError
		netErr net.Error
	)

	switch {
	case errors.As(err, &pgErr):
		if pgErr.Code == pgUniqueViolation {
			return apperr.E(apperr.Duplicate, op, err)
		}
		return apperr.E(apperr.Internal, op, err)
	case pgconn.Timeout(err), errors.Is(err, context.DeadlineExceeded):
		return apperr.E(apperr.ServerSelection, op, err)
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return apperr.E(apperr.Network, op, err)
	default:
		return apperr.E(apperr.Internal, op, err)
	}
}

// classifyPostgresConnect handles errors from pgx.ConnectConfig. A server
// that answered with an error (bad credentials, unknown database) is a
// configuration problem; anything else means the server could not be reached.
func classifyPostgresConnect(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return apperr.E(apperr.Internal, op, err)
	}
	return apperr.E(apperr.ServerSelection, op, err)
}
