// Package cmd provides the CLI commands for the bastion gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperpolymath/indieweb2-bastion/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bastion-gate",
	Short: "Bastion Gate - governance gate for gated mutations",
	Long: `Bastion Gate decides whether a proposed state-changing operation
(a DNS record change, a credential rotation) may proceed. It enforces
role-based privileges, multi-party approval, and timelock delays, and
keeps an append-only, tamper-evident audit trail of every proposal.

Quick start:
  1. Write a policy document: policy.yaml
  2. Create a config file: bastion-gate.yaml (policy.path: ./policy.yaml)
  3. Run: bastion-gate start

Configuration:
  Config is loaded from bastion-gate.yaml in the current directory,
  $HOME/.bastion-gate/, or /etc/bastion-gate/.

  Environment variables can override config values with the BASTION_GATE_
  prefix. Example: BASTION_GATE_SERVER_HTTP_ADDR=:8088

Commands:
  start       Start the gate server
  validate    Validate a policy document without starting the gate
  hash-key    Generate SHA256 hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./bastion-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
