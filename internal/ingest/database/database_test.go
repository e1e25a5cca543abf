package database_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/ubuntu/invoice-ingest/internal/common/constants"
	"github.com/ubuntu/invoice-ingest/internal/ingest/database"
	"github.com/ubuntu/invoice-ingest/internal/ingest/record"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		config  database.Config
		pingErr error

		wantErr bool
	}{
		"Valid config": {
			config: database.Config{Host: "localhost", Port: 5432},
		},

		// Error cases
		"Error on bad port": {
			config:  database.Config{Host: "localhost", Port: -1},
			wantErr: true,
		},
		"Error on failed ping": {
			config:  database.Config{Host: "localhost", Port: 5432},
			pingErr: fmt.Errorf("error requested by test"),
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			mgr, err := database.New(t.Context(), tc.config, database.WithNewPool(mockNewDBPool(t, &mockDBPool{pingErr: tc.pingErr})))
			if tc.wantErr {
				require.Error(t, err, "New should fail")
				return
			}
			require.NoError(t, err, "New should not fail")
			require.NoError(t, mgr.Close(), "Close should not fail")
		})
	}
}

func TestPut(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		table      string
		rec        record.Record
		earlyClose bool
		execErr    error

		wantTable string
		wantExtra string
		wantErr   bool
	}{
		"Record without extras": {
			rec:       record.Record{ID: "NF-1", Client: "Ana Costa", Amount: decimal.RequireFromString("10.50"), IssueDate: "2025-01-01"},
			wantTable: `"NotasFiscais"`,
		},
		"Record with extras": {
			rec: record.Record{ID: "NF-1", Client: "Ana Costa", Amount: decimal.RequireFromString("10.50"), IssueDate: "2025-01-01",
				Extra: map[string]any{"currency": "BRL", "items": []any{json.Number("1")}}},
			wantTable: `"NotasFiscais"`,
			wantExtra: `{"currency":"BRL","items":[1]}`,
		},
		"Custom table is quoted": {
			table:     "notas",
			rec:       record.Record{ID: "NF-1", Amount: decimal.Zero},
			wantTable: `"notas"`,
		},

		// Error cases
		"Error on exec failure": {
			execErr: fmt.Errorf("error requested by test"),
			wantErr: true,
		},
		"Error if pool is closed": {
			earlyClose: true,
			wantErr:    true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			pool := &mockDBPool{execErr: tc.execErr}
			mgr, err := database.New(t.Context(), database.Config{Table: tc.table}, database.WithNewPool(mockNewDBPool(t, pool)))
			require.NoError(t, err, "Setup: New should not fail")
			defer mgr.Close()

			if tc.earlyClose {
				require.NoError(t, mgr.Close(), "Setup: failed to close database connection")
			}

			err = mgr.Put(t.Context(), tc.rec)
			if tc.wantErr {
				require.Error(t, err, "Put should fail")
				return
			}
			require.NoError(t, err, "Put should not fail")

			require.Len(t, pool.execs, 1, "Put should execute exactly one statement")
			exec := pool.execs[0]
			require.Contains(t, exec.sql, "INSERT INTO "+tc.wantTable, "Put should insert into the configured table")
			require.Contains(t, exec.sql, "ON CONFLICT (id) DO UPDATE", "Put should overwrite existing records")
			require.Equal(t, tc.rec.ID, exec.args[0], "Unexpected id argument")
			require.Equal(t, tc.rec.Amount.String(), exec.args[2], "Amount should be passed as its exact decimal text")

			extra, _ := exec.args[4].([]byte)
			if tc.wantExtra == "" {
				require.Nil(t, extra, "Records without extras should store NULL")
				return
			}
			require.JSONEq(t, tc.wantExtra, string(extra), "Unexpected extra argument")
		})
	}
}

func TestGet(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		row        []any
		scanErr    error
		earlyClose bool

		want    string
		wantNil bool
		wantErr bool
	}{
		"Record without extras": {
			row:  []any{"NF-1", "Ana Costa", "10.50", "2025-01-01", []byte(nil)},
			want: `{"id":"NF-1","client":"Ana Costa","amount":10.50,"issue_date":"2025-01-01"}`,
		},
		"Record with extras": {
			row:  []any{"NF-1", "Ana Costa", "98765432109876543210.123456789", "2025-01-01", []byte(`{"currency":"BRL"}`)},
			want: `{"id":"NF-1","client":"Ana Costa","amount":98765432109876543210.123456789,"issue_date":"2025-01-01","currency":"BRL"}`,
		},
		"Missing record": {
			scanErr: pgx.ErrNoRows,
			wantNil: true,
		},

		// Error cases
		"Error on query failure": {
			scanErr: fmt.Errorf("error requested by test"),
			wantErr: true,
		},
		"Error on corrupted extras": {
			row:     []any{"NF-1", "Ana Costa", "10.50", "2025-01-01", []byte(`{`)},
			wantErr: true,
		},
		"Error if pool is closed": {
			earlyClose: true,
			wantErr:    true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			pool := &mockDBPool{row: mockRow{values: tc.row, err: tc.scanErr}}
			mgr, err := database.New(t.Context(), database.Config{}, database.WithNewPool(mockNewDBPool(t, pool)))
			require.NoError(t, err, "Setup: New should not fail")
			defer mgr.Close()

			if tc.earlyClose {
				require.NoError(t, mgr.Close(), "Setup: failed to close database connection")
			}

			got, err := mgr.Get(t.Context(), "NF-1")
			if tc.wantErr {
				require.Error(t, err, "Get should fail")
				return
			}
			require.NoError(t, err, "Get should not fail")
			if tc.wantNil {
				require.Nil(t, got, "Get should return nil on a missing record")
				return
			}
			require.NotNil(t, got, "Get should return the record")

			data, err := json.Marshal(got)
			require.NoError(t, err, "Setup: could not marshal record")
			require.JSONEq(t, tc.want, string(data), "Get returned an unexpected record")
			require.True(t, strings.HasPrefix(pool.queries[0], "SELECT id, client, amount::text"), "Get should read the amount as text")
		})
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		closeDelay time.Duration

		wantErr bool
	}{
		"Successful close": {},
		"Delayed close":    {closeDelay: 1 * time.Second},

		// Error cases
		"Error on blocking close": {closeDelay: 15 * time.Second, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			mgr, err := database.New(t.Context(), database.Config{}, database.WithNewPool(mockNewDBPool(t, &mockDBPool{closeDelay: tc.closeDelay})))
			require.NoError(t, err, "Setup: New should not fail")

			err = mgr.Close()
			if tc.wantErr {
				require.Error(t, err, "Close should time out")
				return
			}
			require.NoError(t, err, "Close should not fail")
			require.NoError(t, mgr.Close(), "Close should not fail on second call")
		})
	}
}

func TestURI(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		config database.Config
		want   string
	}{
		"Full config": {
			config: database.Config{Host: "db", Port: 5432, User: "u", Password: "p@ss", DBName: "notas", SSLMode: "disable"},
			want:   "postgres://u:p%40ss@db:5432/notas?sslmode=disable",
		},
		"No port nor password": {
			config: database.Config{Host: "db", User: "u", DBName: "notas"},
			want:   "postgres://u@db/notas",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.config.URI("postgres"), "URI returned an unexpected value")
		})
	}
}

func mockNewDBPool(t *testing.T, dbPool *mockDBPool) func(ctx context.Context, dsn string) (database.DBPool, error) {
	t.Helper()
	return func(_ context.Context, dsn string) (database.DBPool, error) {
		// A negative port makes the DSN invalid, simulating a connection error.
		if _, err := pgx.ParseConfig(dsn); err != nil {
			return nil, err
		}
		return dbPool, nil
	}
}

type execCall struct {
	sql  string
	args []any
}

type mockDBPool struct {
	execErr    error
	pingErr    error
	closeDelay time.Duration
	row        mockRow

	mu      sync.Mutex
	execs   []execCall
	queries []string
}

func (m *mockDBPool) Exec(_ context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, execCall{sql: sql, args: arguments})
	return pgconn.CommandTag{}, m.execErr
}

func (m *mockDBPool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, sql)
	return m.row
}

func (m *mockDBPool) Ping(context.Context) error {
	return m.pingErr
}

func (m *mockDBPool) Close() {
	if m.closeDelay > 0 {
		time.Sleep(m.closeDelay)
	}
}

type mockRow struct {
	values []any
	err    error
}

func (r mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *[]byte:
			*p = r.values[i].([]byte)
		default:
			return fmt.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}

func TestConfigLogValue(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		password string

		wantPassword string
	}{
		"Password is redacted": {
			password:     "hunter2",
			wantPassword: constants.Redacted,
		},
		"Empty password stays empty": {
			wantPassword: "",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := database.Config{Host: "db.local", Port: 5432, User: "ingest", Password: tc.password, DBName: "notas"}

			var buf bytes.Buffer
			slog.New(slog.NewJSONHandler(&buf, nil)).Info("config", "config", cfg)

			var got struct {
				Config map[string]any `json:"config"`
			}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &got), "Log line should be valid JSON")
			require.Equal(t, tc.wantPassword, got.Config["password"], "Unexpected logged password")
			require.Equal(t, "db.local", got.Config["host"], "Host should be logged")
			require.Equal(t, "ingest", got.Config["user"], "User should be logged")
			if tc.password != "" {
				require.NotContains(t, buf.String(), tc.password, "Password should never reach the logs")
			}
		})
	}
}
