package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nimasrn/donation-engine/internal/app"
	"github.com/nimasrn/donation-engine/internal/config"
	"github.com/spf13/cobra"
)

var Version = "dev"

var envPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "donations",
		Short:         "Admin tooling for the donation engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envPath == "" {
				if _, err := os.Stat(".env"); err == nil {
					envPath = ".env"
				}
			}
			return config.Load(envPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "", "env file to load before reading the environment")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(receiptsCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// engine wires the services for one command and returns its cleanup.
func engine(ctx context.Context) (*app.App, func(), error) {
	a, err := app.New(ctx, config.Get())
	if err != nil {
		return nil, nil, err
	}
	return a, a.Close, nil
}
