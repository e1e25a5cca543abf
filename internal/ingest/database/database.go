// Package database provides the PostgreSQL backed record store.
// Records are upserted by id into a single table and read back by id.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ubuntu/invoice-ingest/internal/common/constants"
	"github.com/ubuntu/invoice-ingest/internal/ingest/record"
)

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Table    string
}

// LogValue implements slog.LogValuer and hides the password.
func (c Config) LogValue() slog.Value {
	password := c.Password
	if password != "" {
		password = constants.Redacted
	}
	return slog.GroupValue(
		slog.String("host", c.Host),
		slog.Int("port", c.Port),
		slog.String("user", c.User),
		slog.String("password", password),
		slog.String("dbname", c.DBName),
		slog.String("sslmode", c.SSLMode),
		slog.String("table", c.Table),
	)
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
type Manager struct {
	dbpool dbPool
	table  string
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates database manager with a PostgreSQL connection pool using the provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func New(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	table := cfg.Table
	if table == "" {
		table = constants.DefaultTableName
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port, "table", table)
	return &Manager{dbpool: dbpool, table: table}, nil
}

// Put upserts the record, replacing any existing record with the same id.
func (db Manager) Put(ctx context.Context, r record.Record) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}

	var extra []byte
	if len(r.Extra) > 0 {
		var err error
		if extra, err = json.Marshal(r.Extra); err != nil {
			return fmt.Errorf("could not marshal extra fields of record %q: %v", r.ID, err)
		}
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (
			id,
			client,
			amount,
			issue_date,
			extra,
			updated_at
		) VALUES ($1, $2, $3::numeric, $4, $5::jsonb, $6)
		ON CONFLICT (id) DO UPDATE SET
			client = EXCLUDED.client,
			amount = EXCLUDED.amount,
			issue_date = EXCLUDED.issue_date,
			extra = EXCLUDED.extra,
			updated_at = EXCLUDED.updated_at`,
		pgx.Identifier{db.table}.Sanitize(),
	)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := db.dbpool.Exec(ctx, query,
		r.ID,              // id
		r.Client,          // client
		r.Amount.String(), // amount
		r.IssueDate,       // issue_date
		extra,             // extra
		time.Now(),        // updated_at
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("put canceled: %v", err)
		}
		return fmt.Errorf("failed to put record %q: %v", r.ID, err)
	}
	return nil
}

// Get returns the record with the given id, or nil if there is none.
func (db Manager) Get(ctx context.Context, id string) (*record.Record, error) {
	if db.dbpool == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := fmt.Sprintf(
		`SELECT id, client, amount::text, issue_date, extra FROM %s WHERE id = $1`,
		pgx.Identifier{db.table}.Sanitize(),
	)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		rowID, client, amount, issueDate string
		extra                            []byte
	)
	err := db.dbpool.QueryRow(ctx, query, id).Scan(&rowID, &client, &amount, &issueDate, &extra)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %q: %v", id, err)
	}

	fields := map[string]any{}
	if len(extra) > 0 {
		v, err := record.Parse(extra)
		if err != nil {
			return nil, fmt.Errorf("invalid extra fields stored for record %q: %v", id, err)
		}
		if m, ok := v.Interface().(map[string]any); ok {
			fields = m
		}
	}
	fields[record.FieldID] = rowID
	fields[record.FieldClient] = client
	fields[record.FieldAmount] = json.Number(amount)
	fields[record.FieldIssueDate] = issueDate

	r, err := record.FromValue(record.FromAny(fields))
	if err != nil {
		return nil, fmt.Errorf("invalid record %q stored in database: %v", id, err)
	}
	return &r, nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
