package lookup_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/ubuntu/invoice-ingest/internal/ingest/record"
	"github.com/ubuntu/invoice-ingest/internal/lookup"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	stored := &record.Record{
		ID:        "NF-1",
		Client:    "João Silva",
		Amount:    decimal.RequireFromString("1234.56"),
		IssueDate: "2025-01-15",
		Extra:     map[string]any{"currency": "BRL"},
	}

	tests := map[string]struct {
		body   string
		getErr error

		wantStatus int
		wantBody   string
		wantGet    bool
	}{
		"Existing record": {
			body:       `{"id":"NF-1"}`,
			wantStatus: 200,
			wantBody:   `{"id":"NF-1","client":"João Silva","amount":1234.56,"issue_date":"2025-01-15","currency":"BRL"}`,
			wantGet:    true,
		},
		"Unknown record": {
			body:       `{"id":"NF-404"}`,
			wantStatus: 404,
			wantBody:   `"Record with ID 'NF-404' not found."`,
			wantGet:    true,
		},

		// Error cases
		"Error on missing id":    {body: `{}`, wantStatus: 400, wantBody: `"The 'id' field is required."`},
		"Error on empty id":      {body: `{"id":""}`, wantStatus: 400, wantBody: `"The 'id' field is required."`},
		"Error on numeric id":    {body: `{"id":1}`, wantStatus: 400, wantBody: `"The 'id' field is required."`},
		"Error on malformed":     {body: `{"id":`, wantStatus: 400, wantBody: `"The 'id' field is required."`},
		"Error on non object":    {body: `["NF-1"]`, wantStatus: 400, wantBody: `"The 'id' field is required."`},
		"Error on empty body":    {body: ``, wantStatus: 400, wantBody: `"The 'id' field is required."`},
		"Error on storage error": {body: `{"id":"NF-1"}`, getErr: errors.New("requested error"), wantStatus: 500, wantBody: `"Internal error while looking up record."`, wantGet: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			db := &mockDB{records: map[string]*record.Record{"NF-1": stored}, err: tc.getErr}
			h := lookup.New(db)

			got := h.Lookup(t.Context(), tc.body)

			require.Equal(t, tc.wantStatus, got.StatusCode, "Unexpected status code")
			if tc.wantStatus == 200 {
				require.JSONEq(t, tc.wantBody, got.Body, "Unexpected body")
			} else {
				require.Equal(t, tc.wantBody, got.Body, "Unexpected body")
			}
			require.Equal(t, tc.wantGet, db.called, "Storage should only be read for well formed requests")
		})
	}
}

func TestLookupKeepsAmountPrecision(t *testing.T) {
	t.Parallel()

	db := &mockDB{records: map[string]*record.Record{"NF-1": {
		ID: "NF-1", Client: "c", Amount: decimal.RequireFromString("98765432109876543210.123456789"), IssueDate: "d",
	}}}

	got := lookup.New(db).Lookup(t.Context(), `{"id":"NF-1"}`)
	require.Equal(t, 200, got.StatusCode, "Unexpected status code")
	require.Contains(t, got.Body, `"amount":98765432109876543210.123456789`, "Amount should be a bare number with every digit")
}

type mockDB struct {
	records map[string]*record.Record
	err     error
	called  bool
}

func (m *mockDB) Get(_ context.Context, id string) (*record.Record, error) {
	m.called = true
	if m.err != nil {
		return nil, m.err
	}
	return m.records[id], nil
}
