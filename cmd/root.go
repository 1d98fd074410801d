// Package cmd defines the CLI commands for the consent-crawler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent-crawler",
		Short: "A headless-browser crawler for cookie consent disclosures.",
		Long: `consent-crawler visits websites with a headless Chrome pool, detects
which Consent Management Platform each site runs, scrapes the cookies the
CMP declares, and records the cookies the browser actually received.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults plus CONSENT_* env)")

	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
