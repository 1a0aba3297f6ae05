package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Printf("configuration OK (queue %s, results backend %s)\n",
			cfg.Queue.Name, cfg.Results.Backend)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
