package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/idot-digital/usersync/internal/config"
	"github.com/idot-digital/usersync/internal/signature"
)

func newSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign [payload-file]",
		Short: "Print verification headers for a webhook payload",
		Long: `sign reads a payload from a file (or stdin) and prints the svix-id,
svix-timestamp and svix-signature headers the receiver expects.`,
		Example: `  usersync sign event.json
  echo '{"type":"user.deleted","data":{"id":"user_1"}}' | usersync sign --id msg_1`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				path, _ := cmd.Flags().GetString("config")
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				secret = cfg.Webhook.Secret
			}
			signer, err := signature.NewSigner(secret)
			if err != nil {
				return err
			}

			var payload []byte
			if len(args) == 1 {
				payload, err = os.ReadFile(args[0])
			} else {
				payload, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				id = "msg_" + uuid.New().String()
			}
			ts := time.Now()
			if unix, _ := cmd.Flags().GetInt64("timestamp"); unix != 0 {
				ts = time.Unix(unix, 0)
			}

			h := signer.Headers(id, ts, payload)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", signature.HeaderID, h.ID)
			fmt.Fprintf(out, "%s: %s\n", signature.HeaderTimestamp, h.Timestamp)
			fmt.Fprintf(out, "%s: %s\n", signature.HeaderSignature, h.Signature)
			return nil
		},
	}
	cmd.Flags().String("secret", "", "webhook secret (default: webhook.secret from config)")
	cmd.Flags().String("id", "", "delivery id (default: random)")
	cmd.Flags().Int64("timestamp", 0, "unix timestamp (default: now)")
	return cmd
}
