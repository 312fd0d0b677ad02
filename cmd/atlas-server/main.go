// Command atlas-server runs an atlas protocol server and manages its
// trusted keys
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atlasworld/atlasnet/pkg/config"
	"github.com/atlasworld/atlasnet/pkg/logging"
	"github.com/atlasworld/atlasnet/pkg/storage"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgFile  string
	logLevel string

	cfg *config.Config
	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "atlas-server",
	Short:         "Atlas protocol server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}

		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		log, err = logging.New(cfg.Log)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.atlas/server.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override")
}

// openKeyStore opens the configured key store
func openKeyStore() (*storage.KeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.KeyStore.Path), 0o700); err != nil {
		return nil, err
	}
	return storage.Open(cfg.KeyStore.Path, log)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
