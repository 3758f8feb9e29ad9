package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tomorecon/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			force, _ := cmd.Flags().GetBool("force")
			if err := config.CreateDefaultConfigFile(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default configuration to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().String("path", "tomorecon.yaml", "Where to write the file")
	initCmd.Flags().Bool("force", false, "Replace an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}
