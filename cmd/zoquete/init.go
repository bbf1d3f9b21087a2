package main

import (
	"fmt"

	"github.com/danmuck/zoquete/internal/config"
	"github.com/spf13/cobra"
)

func initCmd(configPath *string) *cobra.Command {
	var (
		kind     string
		force    bool
		validate bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write or validate a config file",
		Long: `Write a config template to --config (default zoquete.toml).

Kinds:
  plain   TCP, json bodies, development security mode
  mtls    mutual TLS, msgpack bodies, strict decoding, production mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				path = "zoquete.toml"
			}
			if validate {
				if _, err := config.Load(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "validated %s\n", path)
				return nil
			}
			if err := config.WriteTemplate(path, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, path)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "plain", "template kind: plain|mtls")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&validate, "validate", false, "validate the file instead of writing one")
	return cmd
}
