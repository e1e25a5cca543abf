// Package router dispatches events to ingestion or lookup.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ubuntu/invoice-ingest/internal/common/constants"
	"github.com/ubuntu/invoice-ingest/internal/ingest/events"
	"github.com/ubuntu/invoice-ingest/internal/ingest/processor"
)

const msgIngested = "Processing completed!"

type ingester interface {
	Ingest(ctx context.Context, n events.Notification) processor.Result
}

type looker interface {
	Lookup(ctx context.Context, body string) events.Response
}

// Router routes events to the ingestion processor or to the lookup handler.
type Router struct {
	ingester ingester
	lookup   looker
	resource string
}

// New returns a Router. An empty resource defaults to /notas.
func New(ing ingester, lookup looker, resource string) *Router {
	if resource == "" {
		resource = constants.DefaultResourcePath
	}
	return &Router{
		ingester: ing,
		lookup:   lookup,
		resource: resource,
	}
}

// Route handles one event.
//
// HTTP-shaped events whose path contains the resource are ingested on POST, their body being a storage notification,
// and looked up on GET. Any other method on the resource gets 405 and any other path 404.
// Storage notifications are always ingested and always answered with 200.
func (r Router) Route(ctx context.Context, e events.Event) events.Response {
	if e.API == nil {
		return r.ingest(ctx, e.Notification)
	}

	req := e.API
	if !strings.Contains(req.Path, r.resource) {
		slog.Debug("No route for request", "method", req.HTTPMethod, "path", req.Path)
		return events.JSONResponse(http.StatusNotFound, "Resource '"+req.Path+"' not found.")
	}

	switch strings.ToUpper(req.HTTPMethod) {
	case http.MethodPost:
		n, err := events.ParseNotification([]byte(req.Body))
		if err != nil {
			slog.Warn("Rejecting ingestion request", "err", err)
			return events.JSONResponse(http.StatusBadRequest, "The body must be a storage notification.")
		}
		return r.ingest(ctx, n)
	case http.MethodGet:
		return r.lookup.Lookup(ctx, req.Body)
	default:
		return events.JSONResponse(http.StatusMethodNotAllowed, "Method '"+req.HTTPMethod+"' not allowed.")
	}
}

func (r Router) ingest(ctx context.Context, n events.Notification) events.Response {
	res := r.ingester.Ingest(ctx, n)
	slog.Info("Notification ingested", "files", len(res.Files))
	return events.JSONResponse(http.StatusOK, msgIngested)
}
