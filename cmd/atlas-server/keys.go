package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atlasworld/atlasnet/pkg/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the server identity key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(cfg.Key.Path); err == nil {
			if !force {
				return fmt.Errorf("%s already exists, use --force to replace it", cfg.Key.Path)
			}
			if err := os.Remove(cfg.Key.Path); err != nil {
				return err
			}
		}

		key, _, err := crypto.LoadOrGenerateKey(cfg.Key.Path, cfg.Key.Bits)
		if err != nil {
			return err
		}
		fingerprint, err := crypto.KeyFingerprint(&key.PublicKey)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "private key: %s\n", cfg.Key.Path)
		fmt.Fprintf(out, "public key:  %s.pub\n", cfg.Key.Path)
		fmt.Fprintf(out, "fingerprint: %s\n", fingerprint)
		return nil
	},
}

var trustCmd = &cobra.Command{
	Use:   "trust <id> <pubkey.pem>",
	Short: "Trust a client public key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		pemData, err := crypto.LoadKeyFromFile(args[1])
		if err != nil {
			return err
		}
		pub, err := crypto.ImportPublicKeyPEM(pemData)
		if err != nil {
			return err
		}
		label, _ := cmd.Flags().GetString("label")

		keys, err := openKeyStore()
		if err != nil {
			return err
		}
		defer keys.Close()

		if err := keys.Trust(id, pub, label); err != nil {
			return err
		}
		fingerprint, _ := crypto.KeyFingerprint(pub)
		fmt.Fprintf(cmd.OutOrStdout(), "trusted %s (%s)\n", id, fingerprint)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Forget a client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyID(args[0], func(id uuid.UUID) error {
			keys, err := openKeyStore()
			if err != nil {
				return err
			}
			defer keys.Close()

			if err := keys.Revoke(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", id)
			return nil
		})
	},
}

var blacklistCmd = &cobra.Command{
	Use:   "blacklist <id>",
	Short: "Refuse a client until it is revoked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyID(args[0], func(id uuid.UUID) error {
			keys, err := openKeyStore()
			if err != nil {
				return err
			}
			defer keys.Close()

			if err := keys.Blacklist(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "blacklisted %s\n", id)
			return nil
		})
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List trusted and blacklisted clients",
	RunE: func(cmd *cobra.Command, _ []string) error {
		keys, err := openKeyStore()
		if err != nil {
			return err
		}
		defer keys.Close()

		entries, err := keys.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFINGERPRINT\tLABEL\tSTATE\tLAST SEEN")
		for _, k := range entries {
			state := "trusted"
			if k.Blacklisted {
				state = "blacklisted"
			}
			fp := k.Fingerprint
			if len(fp) > 16 {
				fp = fp[:16]
			}
			seen := "never"
			if !k.LastSeen.IsZero() {
				seen = k.LastSeen.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.ID, fp, k.Label, state, seen)
		}
		return w.Flush()
	},
}

func withKeyID(arg string, fn func(uuid.UUID) error) error {
	id, err := uuid.Parse(arg)
	if err != nil {
		return errors.New("invalid id: must be a UUID")
	}
	return fn(id)
}

func init() {
	keygenCmd.Flags().Bool("force", false, "replace an existing key")
	trustCmd.Flags().String("label", "", "label stored with the key")

	rootCmd.AddCommand(keygenCmd, trustCmd, revokeCmd, blacklistCmd, keysCmd)
}
