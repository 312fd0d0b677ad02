// Command atlas-client connects to an atlas server and sends requests
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atlasworld/atlasnet/pkg/crypto"
	"github.com/atlasworld/atlasnet/pkg/logging"
	"github.com/atlasworld/atlasnet/pkg/network"
)

var (
	clientID string
	keyPath  string
	keyBits  int
	timeout  time.Duration
	retry    bool
	logLevel string

	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "atlas-client",
	Short:         "Atlas protocol client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		log, err = logging.New(logging.Config{Level: logLevel, Format: logging.FormatText})
		return err
	},
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".atlas", "client.pem")
	}
	return filepath.Join(home, ".atlas", "client.pem")
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&clientID, "id", "", "client id the server trusts (UUID)")
	flags.StringVar(&keyPath, "key", defaultKeyPath(), "client private key, generated when missing")
	flags.IntVar(&keyBits, "bits", 2048, "size of generated keys")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	flags.BoolVar(&retry, "retry", false, "keep dialing until the server accepts")
	flags.StringVar(&logLevel, "log-level", "warn", "log level")
}

// dial loads the identity and connects to addr
func dial(ctx context.Context, addr string) (*network.Connection, error) {
	if clientID == "" {
		return nil, errors.New("--id is required")
	}
	id, err := uuid.Parse(clientID)
	if err != nil {
		return nil, fmt.Errorf("invalid --id: %w", err)
	}

	key, generated, err := crypto.LoadOrGenerateKey(keyPath, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to load client key: %w", err)
	}
	if generated {
		log.WithField("path", keyPath).Warn("generated a new client key, the server must trust it first")
	}

	cc := network.DefaultClientConfig()
	cc.ID = id
	cc.Logger = log
	cc.RequestTimeout = timeout

	client := network.NewClient(key, cc)
	if retry {
		return client.ConnectRetry(ctx, addr, network.DefaultBackoff)
	}
	return client.Connect(ctx, addr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
