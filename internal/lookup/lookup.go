// Package lookup answers point reads of stored records by id.
package lookup

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ubuntu/invoice-ingest/internal/ingest/events"
	"github.com/ubuntu/invoice-ingest/internal/ingest/record"
)

const (
	msgIDRequired    = "The 'id' field is required."
	msgNotFound      = "Record with ID '%s' not found."
	msgInternalError = "Internal error while looking up record."
)

type recordStore interface {
	Get(ctx context.Context, id string) (*record.Record, error)
}

// Handler looks records up in the record store.
type Handler struct {
	db recordStore
}

// New returns a Handler reading from db.
func New(db recordStore) *Handler {
	return &Handler{db: db}
}

// Lookup returns the record whose id is given in the JSON object body.
//
// A body that is not a JSON object with a non empty string id yields 400, an unknown id 404
// and a storage failure 500. The stored record is returned as JSON otherwise.
func (h Handler) Lookup(ctx context.Context, body string) events.Response {
	id, ok := requestedID(body)
	if !ok {
		return events.JSONResponse(http.StatusBadRequest, msgIDRequired)
	}

	r, err := h.db.Get(ctx, id)
	if err != nil {
		slog.Error("Failed to look up record", "id", id, "err", err)
		return events.JSONResponse(http.StatusInternalServerError, msgInternalError)
	}
	if r == nil {
		return events.JSONResponse(http.StatusNotFound, fmt.Sprintf(msgNotFound, id))
	}

	return events.JSONResponse(http.StatusOK, r)
}

func requestedID(body string) (string, bool) {
	v, err := record.Parse([]byte(body))
	if err != nil || v.Kind != record.KindObject {
		return "", false
	}
	id, found := v.Object[record.FieldID]
	if !found || id.Kind != record.KindString || id.String == "" {
		return "", false
	}
	return id.String, true
}
