package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"path"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/ubuntu/invoice-ingest/internal/common/constants"
	"github.com/ubuntu/invoice-ingest/internal/common/fileutils"
	"github.com/ubuntu/invoice-ingest/internal/ingest/record"
)

// generatedClients are the fictitious clients synthetic invoices are issued to.
var generatedClients = []string{"João Silva", "Maria Oliveira", "Carlos Santos", "Ana Costa", "Pedro Lima"}

type generateConfig struct {
	Count  int
	Name   string
	Output string
}

func installGenerateCmd(app *App) {
	var cfg generateConfig

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic batch file",
		Long: `Generate a batch file of synthetic invoice records.
The batch is written to the local file given by --output, or else put in the object store
under the incoming prefix of --bucket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Count < 1 {
				app.cmd.SilenceUsage = false
				return errors.New("count must be at least 1")
			}
			if cfg.Output == "" && app.config.Bucket == "" {
				app.cmd.SilenceUsage = false
				return errors.New("either --output or --bucket is required")
			}

			// #nosec:G404 Synthetic data does not need cryptographic randomness.
			rnd := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
			return app.generate(cmd.Context(), cfg, generateRecords(cfg.Count, time.Now(), rnd), cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&cfg.Count, "count", 10, "number of records to generate")
	cmd.Flags().StringVar(&cfg.Name, "name", fmt.Sprintf("notas_fiscais_%d.json", time.Now().Year()), "name of the batch file in the object store")
	cmd.Flags().StringVarP(&cfg.Output, "output", "o", "", "write the batch to this local file instead of the object store")

	if err := cmd.MarkFlagFilename("output"); err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark output flag as filename: %v", err))
	}

	app.cmd.AddCommand(cmd)
}

// generateRecords returns n records with ids NF-1 to NF-n, amounts between 100 and 5000 with cents,
// and issue dates within the 30 days before now.
func generateRecords(n int, now time.Time, rnd *rand.Rand) []record.Record {
	records := make([]record.Record, 0, n)
	for i := range n {
		cents := 10000 + rnd.Int64N(490001)
		daysAgo := 1 + rnd.IntN(30)
		records = append(records, record.Record{
			ID:        fmt.Sprintf("NF-%d", i+1),
			Client:    generatedClients[rnd.IntN(len(generatedClients))],
			Amount:    decimal.New(cents, -2),
			IssueDate: now.AddDate(0, 0, -daysAgo).Format(time.DateOnly),
		})
	}
	return records
}

// generate writes records as a batch file and reports where it went to w.
func (a App) generate(ctx context.Context, cfg generateConfig, records []record.Record, w io.Writer) error {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("could not encode records: %v", err)
	}

	if cfg.Output != "" {
		if err := fileutils.AtomicWrite(cfg.Output, data); err != nil {
			return fmt.Errorf("could not write batch file: %v", err)
		}
		slog.Info("Batch file generated", "path", cfg.Output, "count", len(records))
		_, err = fmt.Fprintln(w, cfg.Output)
		return err
	}

	b, err := a.newObjectStore(ctx)
	if err != nil {
		return err
	}
	incoming := a.config.IncomingPrefix
	if incoming == "" {
		incoming = constants.DefaultIncomingPrefix
	}
	key := path.Join(incoming, cfg.Name)
	if err := b.Put(ctx, a.config.Bucket, key, data); err != nil {
		return fmt.Errorf("could not put batch file: %v", err)
	}
	slog.Info("Batch file generated", "bucket", a.config.Bucket, "key", key, "count", len(records))
	_, err = fmt.Fprintln(w, a.config.Bucket+"/"+key)
	return err
}
