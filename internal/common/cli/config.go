// Package cli gathers the configuration and logging helpers shared by the commands.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// InitViperConfig loads the configuration file of cmd into vip and binds the environment.
//
// The file is the one given by the config flag, or else cmdName.{yaml,toml,json,...} searched
// in the working directory, the system configuration directories and next to the executable.
// Environment variables prefixed with the upper cased cmdName bind nested keys, an underscore
// separating each level: INVOICE_INGEST_DAEMON_LISTENPORT sets daemon.listenport.
//
// aliases maps configuration keys to extra, unprefixed environment variables which are also
// honored, like the DYNAMODB_ENDPOINT variable used by local stacks.
func InitViperConfig(cmdName string, cmd *cobra.Command, vip *viper.Viper, aliases map[string]string) error {
	if v, err := cmd.Flags().GetString("config"); err == nil && v != "" {
		vip.SetConfigFile(v)
	} else {
		vip.SetConfigName(cmdName)
		for _, p := range configDirs(cmdName) {
			vip.AddConfigPath(p)
		}
	}

	if err := vip.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return fmt.Errorf("invalid configuration file: %w", err)
		}
		slog.Info("No configuration file, only defaults, environment and flags are used", "err", e)
	} else {
		slog.Info("Using configuration file", "file", vip.ConfigFileUsed())
	}

	vip.SetEnvPrefix(cmdName)
	vip.AutomaticEnv()

	// AutomaticEnv only applies to Get calls on known keys. Nested keys need an explicit binding
	// to reach Unmarshal, see https://github.com/spf13/viper/pull/1429.
	if err := bindPrefixedEnv(vip, envPrefix(cmdName)); err != nil {
		return err
	}

	for key, env := range aliases {
		if _, ok := os.LookupEnv(env); !ok {
			continue
		}
		if err := vip.BindEnv(key, env); err != nil {
			return fmt.Errorf("could not bind environment variable %q: %w", env, err)
		}
	}

	return nil
}

// InstallConfigFlag adds a config flag to the command.
func InstallConfigFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().String("config", "", "use a specific configuration file")
}

func configDirs(cmdName string) []string {
	dirs := []string{"."}
	if runtime.GOOS == "windows" {
		dirs = append(dirs, filepath.Join(`C:\ProgramData`, cmdName))
	} else {
		dirs = append(dirs, filepath.Join("/etc", cmdName), filepath.Join("/usr/local/etc", cmdName))
	}

	bin, err := os.Executable()
	if err != nil {
		slog.Warn("Failed to get current executable path, not adding it as a config dir", "err", err)
		return dirs
	}
	return append(dirs, filepath.Dir(bin))
}

func envPrefix(cmdName string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdName, "-", "_")) + "_"
}

func bindPrefixedEnv(vip *viper.Viper, prefix string) error {
	for _, e := range os.Environ() {
		name, _, _ := strings.Cut(e, "=")
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, prefix), "_", "."))
		if err := vip.BindEnv(key, name); err != nil {
			return fmt.Errorf("could not bind environment variable %q: %w", name, err)
		}
	}
	return nil
}
