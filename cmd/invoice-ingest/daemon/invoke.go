package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/ubuntu/invoice-ingest/internal/ingest/events"
	"github.com/ubuntu/invoice-ingest/internal/ingest/objectstore"
	"github.com/ubuntu/invoice-ingest/internal/ingest/processor"
	"github.com/ubuntu/invoice-ingest/internal/lookup"
	"github.com/ubuntu/invoice-ingest/internal/router"
)

func installInvokeCmd(app *App) {
	cmd := &cobra.Command{
		Use:   "invoke [event-file]",
		Short: "Route a single event and print the response",
		Long: `Route a single event, either a storage notification or an HTTP-shaped request, and print the response.
The event is read from event-file, or from the standard input when it is omitted or "-".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					app.cmd.SilenceUsage = false
					return fmt.Errorf("could not open event file: %v", err)
				}
				defer f.Close()
				in = f
			}

			return app.invoke(cmd.Context(), in, cmd.OutOrStdout())
		},
	}
	app.cmd.AddCommand(cmd)
}

// invoke routes the event read from r and writes the JSON response to w.
func (a App) invoke(ctx context.Context, r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("could not read event: %v", err)
	}
	e, err := events.Parse(data)
	if err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	b, err := a.newBackends(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	proc, err := processor.New(b.objects, b.records, objectstore.NewRelocator(b.objects), a.config.Prefixes, prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("failed to create batch processor: %v", err)
	}
	resp := router.New(proc, lookup.New(b.records), a.config.Daemon.Resource).Route(ctx, e)
	slog.Info("Event routed", "status", resp.StatusCode)

	out, err := json.Marshal(resp)
	if err != nil {
		return errors.New("could not encode response")
	}
	if _, err := fmt.Fprintln(w, string(out)); err != nil {
		return fmt.Errorf("could not write response: %v", err)
	}
	return nil
}
