package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "usersync",
		Short: "Keeps the local user table in step with the identity provider",
		Long: `usersync receives signed user lifecycle webhooks from the identity
provider and mirrors them into the application's user store.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file (default: ./usersync.yaml or /etc/usersync/usersync.yaml)")

	root.AddCommand(newServeCmd(), newSignCmd())
	return root
}
