// Package daemon provides the invoice ingest daemon and its one-shot commands.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ubuntu/invoice-ingest/internal/common/cli"
	"github.com/ubuntu/invoice-ingest/internal/common/constants"
	"github.com/ubuntu/invoice-ingest/internal/common/metrics"
	"github.com/ubuntu/invoice-ingest/internal/ingest"
	"github.com/ubuntu/invoice-ingest/internal/ingest/database"
	"github.com/ubuntu/invoice-ingest/internal/ingest/dynamodb"
	"github.com/ubuntu/invoice-ingest/internal/ingest/objectstore"
	"github.com/ubuntu/invoice-ingest/internal/ingest/objectstore/fsstore"
	"github.com/ubuntu/invoice-ingest/internal/ingest/objectstore/s3store"
	"github.com/ubuntu/invoice-ingest/internal/ingest/processor"
	"github.com/ubuntu/invoice-ingest/internal/ingest/record"
	"github.com/ubuntu/invoice-ingest/internal/ingest/watcher"
	"github.com/ubuntu/invoice-ingest/internal/lookup"
	"github.com/ubuntu/invoice-ingest/internal/router"
	"github.com/ubuntu/invoice-ingest/internal/webservice"
)

// Object store backends.
const (
	ObjectStoreFS = "fs"
	ObjectStoreS3 = "s3"
)

// Record store backends.
const (
	RecordStorePostgres = "postgres"
	RecordStoreDynamoDB = "dynamodb"
)

// envAliases are unprefixed environment variables honored for compatibility with local AWS stacks.
var envAliases = map[string]string{
	"dynamodb.endpoint": "DYNAMODB_ENDPOINT",
}

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *ingest.Service

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool
	EnvFile   string

	Daemon        webservice.StaticConfig
	MetricsConfig metrics.Config

	ObjectStore string
	DataDir     string
	S3          s3store.Config

	RecordStore string
	DBconfig    database.Config
	DynamoDB    dynamodb.Config

	Bucket         string
	IncomingPrefix string
	Prefixes       processor.Config

	MigrationsDir string
}

// LogValue implements slog.LogValuer so that the store configurations hide their secrets.
func (c appConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("verbosity", c.Verbosity),
		slog.Bool("jsonlogs", c.JSONLogs),
		slog.String("envfile", c.EnvFile),
		slog.Any("daemon", c.Daemon),
		slog.Any("metricsconfig", c.MetricsConfig),
		slog.String("objectstore", c.ObjectStore),
		slog.String("datadir", c.DataDir),
		slog.Any("s3", c.S3),
		slog.String("recordstore", c.RecordStore),
		slog.Any("dbconfig", c.DBconfig),
		slog.Any("dynamodb", c.DynamoDB),
		slog.String("bucket", c.Bucket),
		slog.String("incomingprefix", c.IncomingPrefix),
		slog.Any("prefixes", c.Prefixes),
		slog.String("migrationsdir", c.MigrationsDir),
	)
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:   constants.CmdName,
		Short: "Invoice batch ingestion service",
		Long: `Invoice batch ingestion service reads JSON batches of invoice records from an object store,
stores every valid record in a key-value table and moves each batch under a success or error prefix.
It also answers record lookups by id.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.cmd.ErrOrStderr(), a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config

			if a.config.EnvFile != "" {
				if err := godotenv.Load(a.config.EnvFile); err != nil {
					return fmt.Errorf("failed to load environment file: %v", err)
				}
			}
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper, envAliases); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to decode configuration into struct: %w", err)
			}
			slog.Info("got app config", "config", a.config)

			cli.SetSlog(a.cmd.ErrOrStderr(), a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installStorageFlags(&a)
	installMigrateCmd(&a)
	installInvokeCmd(&a)
	installGenerateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	defaultConf := webservice.StaticConfig{
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   30 * time.Second,
		RequestTimeout: 25 * time.Second,
		MaxHeaderBytes: 1 << 13, // 8 KB
		MaxBodyBytes:   1 << 20, // 1 MB

		ListenPort: 8080,
	}

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")
	cmd.PersistentFlags().StringVar(&app.config.EnvFile, "env-file", "", "load environment variables from this dotenv file")

	// Web service flags
	cmd.Flags().DurationVar(&app.config.Daemon.ReadTimeout, "read-timeout", defaultConf.ReadTimeout, "read timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.WriteTimeout, "write-timeout", defaultConf.WriteTimeout, "write timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.RequestTimeout, "request-timeout", defaultConf.RequestTimeout, "request timeout for HTTP server")
	cmd.Flags().IntVar(&app.config.Daemon.MaxHeaderBytes, "max-header-bytes", defaultConf.MaxHeaderBytes, "maximum header bytes for HTTP server")
	cmd.Flags().IntVar(&app.config.Daemon.MaxBodyBytes, "max-body-bytes", defaultConf.MaxBodyBytes, "maximum request body bytes for HTTP server")
	cmd.Flags().StringVar(&app.config.Daemon.ListenHost, "listen-host", defaultConf.ListenHost, "host to listen on")
	cmd.Flags().IntVar(&app.config.Daemon.ListenPort, "listen-port", defaultConf.ListenPort, "port to listen on")

	// Metrics server flags
	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", 2112, "port for the metrics endpoint")
	cmd.Flags().BoolVar(&app.config.MetricsConfig.RuntimeCollectors, "metrics-runtime", false, "also expose Go runtime and process metrics")
	app.config.MetricsConfig.ReadTimeout = 5 * time.Second
	app.config.MetricsConfig.WriteTimeout = 10 * time.Second
}

// installStorageFlags adds the flags shared by the daemon and the one-shot commands.
func installStorageFlags(app *App) {
	flags := app.cmd.PersistentFlags()
	c := &app.config

	flags.StringVar(&c.Daemon.Resource, "resource", constants.DefaultResourcePath, "HTTP resource routed to ingestion and lookup")

	flags.StringVar(&c.ObjectStore, "object-store", ObjectStoreFS, "object store backend (fs or s3)")
	flags.StringVar(&c.DataDir, "data-dir", constants.DefaultDataDir, "root directory of the fs object store")
	flags.StringVar(&c.S3.Endpoint, "s3-endpoint", "", "S3 endpoint override")
	flags.StringVar(&c.S3.Region, "s3-region", "", "S3 region")
	flags.BoolVar(&c.S3.UsePathStyle, "s3-path-style", false, "use path style S3 addressing")

	flags.StringVar(&c.RecordStore, "record-store", RecordStoreDynamoDB, "record store backend (dynamodb or postgres)")
	flags.StringVar(&c.DynamoDB.Endpoint, "dynamodb-endpoint", "", "DynamoDB endpoint override")
	flags.StringVar(&c.DynamoDB.Region, "dynamodb-region", "", "DynamoDB region")
	flags.StringVar(&c.DynamoDB.Table, "table", constants.DefaultTableName, "name of the record table")

	flags.StringVar(&c.DBconfig.Host, "db-host", "", "database host")
	flags.IntVarP(&c.DBconfig.Port, "db-port", "p", 5432, "database port")
	flags.StringVarP(&c.DBconfig.User, "db-user", "u", "", "database user")
	flags.StringVarP(&c.DBconfig.Password, "db-password", "P", "", "database password")
	flags.StringVarP(&c.DBconfig.DBName, "db-name", "n", "", "database name")
	flags.StringVarP(&c.DBconfig.SSLMode, "db-sslmode", "s", "", "database SSL mode")

	flags.StringVar(&c.Bucket, "bucket", "", "bucket watched for new batch files, only with the fs object store")
	flags.StringVar(&c.IncomingPrefix, "incoming-prefix", constants.DefaultIncomingPrefix, "prefix new batch files are written under")
	flags.StringVar(&c.Prefixes.ErrorPrefix, "error-prefix", constants.DefaultErrorPrefix, "prefix failed batch files are moved under")
	flags.StringVar(&c.Prefixes.SuccessPrefix, "success-prefix", constants.DefaultSuccessPrefix, "prefix ingested batch files are moved under")

	if err := app.cmd.MarkPersistentFlagDirname("data-dir"); err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark data-dir flag as directory: %v", err))
	}
	if err := app.cmd.MarkPersistentFlagFilename("env-file"); err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark env-file flag as filename: %v", err))
	}
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	defer func() {
		if a.daemon == nil {
			close(a.ready)
		}
	}()

	ctx := context.Background()
	registry := prometheus.NewRegistry()

	b, err := a.newBackends(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	proc, err := processor.New(b.objects, b.records, objectstore.NewRelocator(b.objects), a.config.Prefixes, registry)
	if err != nil {
		return fmt.Errorf("failed to create batch processor: %v", err)
	}
	r := router.New(proc, lookup.New(b.records), a.config.Daemon.Resource)

	web, err := webservice.New(ctx, r, a.config.Daemon, registry)
	if err != nil {
		return fmt.Errorf("failed to create web service: %v", err)
	}

	var w ingest.Watcher
	if fs, ok := b.objects.(*fsstore.Store); ok && a.config.Bucket != "" {
		pool, err := watcher.New(fs, a.config.Bucket, a.config.IncomingPrefix, proc, registry)
		if err != nil {
			return fmt.Errorf("failed to create batch file watcher: %v", err)
		}
		w = pool
	} else if a.config.Bucket != "" {
		slog.Warn("Watching a bucket requires the fs object store, only the web service will announce batch files", "object_store", a.config.ObjectStore)
	}

	metricsServer, err := metrics.New(a.config.MetricsConfig, registry)
	if err != nil {
		return fmt.Errorf("failed to create metrics server: %v", err)
	}

	a.daemon = ingest.New(ctx, w, web, metricsServer)
	close(a.ready)

	return a.daemon.Run()
}

// objectStore is the object store used by the processor, the watcher and the generator.
type objectStore interface {
	objectstore.Store
	Put(ctx context.Context, bucket, key string, data []byte) error
}

// recordStore is the key-value table records are written to and looked up from.
type recordStore interface {
	Put(ctx context.Context, r record.Record) error
	Get(ctx context.Context, id string) (*record.Record, error)
}

type backends struct {
	objects objectStore
	records recordStore
	close   func()
}

// newBackends connects to the configured object and record stores.
func (a App) newBackends(ctx context.Context) (b backends, err error) {
	b.close = func() {}

	if b.objects, err = a.newObjectStore(ctx); err != nil {
		return b, err
	}

	switch a.config.RecordStore {
	case RecordStoreDynamoDB, "":
		if b.records, err = dynamodb.New(ctx, a.config.DynamoDB); err != nil {
			return b, fmt.Errorf("failed to create DynamoDB table: %v", err)
		}
	case RecordStorePostgres:
		cfg := a.config.DBconfig
		if cfg.Table == "" {
			cfg.Table = a.config.DynamoDB.Table
		}
		db, err := database.New(ctx, cfg)
		if err != nil {
			return b, fmt.Errorf("failed to connect to database: %v", err)
		}
		b.records = db
		b.close = func() {
			if err := db.Close(); err != nil {
				slog.Warn("Failed to close database connection", "err", err)
			}
		}
	default:
		return b, errors.New("unknown record store " + a.config.RecordStore)
	}

	return b, nil
}

// newObjectStore returns the configured object store.
func (a App) newObjectStore(ctx context.Context) (objectStore, error) {
	switch a.config.ObjectStore {
	case ObjectStoreFS, "":
		return fsstore.New(a.config.DataDir), nil
	case ObjectStoreS3:
		s, err := s3store.New(ctx, a.config.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 object store: %v", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown object store %q", a.config.ObjectStore)
	}
}
