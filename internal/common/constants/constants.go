// Package constants is responsible for defining the constants used in the application.
// It also provides the default data directory used by the filesystem object store.
package constants

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// CmdName is the name of the invoice ingest command.
	CmdName = "invoice-ingest"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn

	// Redacted replaces secret configuration values in logs.
	Redacted = "[redacted]"
)

// Ingestion constants.
const (
	// DefaultTableName is the name of the key-value table holding the records.
	DefaultTableName = "NotasFiscais"

	// DefaultErrorPrefix is the object store prefix for batch files which failed ingestion.
	DefaultErrorPrefix = "erro"

	// DefaultSuccessPrefix is the object store prefix for batch files which were fully ingested.
	DefaultSuccessPrefix = "sucesso"

	// DefaultIncomingPrefix is the object store prefix watched for new batch files.
	DefaultIncomingPrefix = "entrada"

	// DefaultResourcePath is the HTTP resource routed to ingestion and lookup.
	DefaultResourcePath = "/notas"

	// BatchFileExtension is the extension of batch files picked up by the watcher.
	BatchFileExtension = ".json"

	// DefaultDataFolder is the name of the default root folder of the filesystem object store.
	DefaultDataFolder = "invoice-ingest"
)

var (
	// DefaultDataDir is the default root directory of the filesystem object store.
	DefaultDataDir = DefaultDataFolder
)

func init() {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		panic(fmt.Sprintf("Could not fetch cache directory: %v", err))
	}

	DefaultDataDir = filepath.Join(userCacheDir, DefaultDataFolder)
}
