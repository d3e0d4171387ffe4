package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/burrow/pkg/security"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master key for credential encryption",
	Long: `Generate a random master key. Cluster passwords are encrypted at rest
with this key. Without --data-dir the key is printed; with it the key is
written to <data-dir>/` + security.MasterKeyFile + ` unless one already exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("data-dir")
		if dir == "" {
			key, err := security.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		}

		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		_, created, err := security.LoadOrCreateMasterKey(dir)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, security.MasterKeyFile)
		if !created {
			fmt.Printf("%s Master key already present at %s\n", yellow("!"), path)
			return nil
		}
		fmt.Printf("%s Master key written to %s\n", check, path)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect burrow configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration",
	Long: `Print the configuration burrow serve would run with, after merging
defaults, --config and BURROW_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		return cfg.Write(os.Stdout)
	},
}

func init() {
	keygenCmd.Flags().String("data-dir", "", "Write the key into this data directory")
	configCmd.AddCommand(configPrintCmd)
}
