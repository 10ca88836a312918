package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/lomu/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with server configuration files",
	}
	cmd.AddCommand(newConfigValidateCommand())
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "validate <file>...",
		Short:   "Check config files for YAML errors, unknown keys and invalid values",
		Example: `  lomuctl config validate config.yaml`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validateConfigFile(path); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d config files invalid", failed, len(args))
			}
			return nil
		},
	}
}

// validateConfigFile decodes strictly, so misspelled keys that the server
// would silently ignore are reported, then applies the server's own checks.
func validateConfigFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	for {
		payload := config.DefaultConfig()
		if err := dec.Decode(payload); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	if _, err := config.LoadConfigFromFile(path); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
