package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atlasworld/atlasnet/pkg/crypto"
	"github.com/atlasworld/atlasnet/pkg/network"
	"github.com/atlasworld/atlasnet/pkg/service"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a client key and print a fresh id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, generated, err := crypto.LoadOrGenerateKey(keyPath, keyBits)
		if err != nil {
			return err
		}
		fingerprint, err := crypto.KeyFingerprint(&key.PublicKey)
		if err != nil {
			return err
		}

		id := clientID
		if id == "" {
			id = uuid.NewString()
		}

		out := cmd.OutOrStdout()
		if !generated {
			fmt.Fprintf(out, "using existing key %s\n", keyPath)
		}
		fmt.Fprintf(out, "id:          %s\n", id)
		fmt.Fprintf(out, "public key:  %s.pub\n", keyPath)
		fmt.Fprintf(out, "fingerprint: %s\n", fingerprint)
		fmt.Fprintf(out, "\non the server: atlas-server trust %s %s.pub\n", id, keyPath)
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <addr>",
	Short: "Measure round trips to a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		conn, err := dial(ctx, args[0])
		cancel()
		if err != nil {
			return err
		}
		defer conn.Disconnect(context.Background(), "bye")

		out := cmd.OutOrStdout()
		if info := conn.ServerInfo(); info != nil {
			fmt.Fprintf(out, "connected to %s (protocol %d, session %s)\n", args[0], info.Version, conn.SessionFingerprint())
		}

		for i := 0; i < count; i++ {
			if i > 0 {
				time.Sleep(interval)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			rtt, err := service.Ping(ctx, conn)
			cancel()
			if err != nil {
				return fmt.Errorf("ping %d: %w", i+1, err)
			}
			fmt.Fprintf(out, "seq=%d time=%v avg=%dms\n", i+1, rtt.Round(time.Microsecond), conn.Ping())
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <addr> <key> [payload]",
	Short: "Send one request and print the response",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		if len(args) == 3 {
			payload = []byte(args[2])
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		conn, err := dial(ctx, args[0])
		cancel()
		if err != nil {
			return err
		}
		defer conn.Disconnect(context.Background(), "bye")

		call, err := conn.SendAsync(args[1], payload)
		if err != nil {
			return err
		}
		resp, err := call.Wait(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "code: %d (%s)\n", resp.Code, resp.Code)
		if call.Acknowledged() {
			fmt.Fprintln(out, "acknowledged: yes")
		}
		if len(resp.Payload) > 0 {
			fmt.Fprintf(out, "payload: %s\n", resp.Payload)
		}
		return resp.Err()
	},
}

var holdCmd = &cobra.Command{
	Use:   "hold <addr>",
	Short: "Stay connected, pinging periodically, until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := dial(ctx, args[0])
		if err != nil {
			return err
		}
		log.WithField("session", conn.SessionFingerprint()).Info("connected, press Ctrl+C to leave")

		network.Keepalive(ctx, conn, service.PingKey, interval)

		if !conn.Closed() {
			return conn.Disconnect(context.Background(), "client leaving")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "connection closed: %s %s\n", conn.Cause(), conn.Reason())
		return nil
	},
}

func init() {
	holdCmd.Flags().Duration("interval", 30*time.Second, "keepalive interval")
	pingCmd.Flags().IntP("count", "c", 4, "number of pings")
	pingCmd.Flags().Duration("interval", time.Second, "time between pings")

	rootCmd.AddCommand(keygenCmd, pingCmd, sendCmd, holdCmd)
}
