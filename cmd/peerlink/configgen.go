package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/peerlink/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate node configs",
	}
	cmd.AddCommand(newConfigGenCmd(), newConfigValidateCmd())
	return cmd
}

func newConfigGenCmd() *cobra.Command {
	var (
		kind   string
		output string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Write a starter config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = kind + ".toml"
			}
			if err := config.WriteTemplate(output, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "client", "template kind: "+strings.Join(config.Kinds(), "|"))
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (defaults to <kind>.toml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Load and validate config files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "validated %s id=%s kernel=%s\n", path, cfg.ID, cfg.Kernel.Kind)
			}
			return nil
		},
	}
}
