package main

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/chief-of-staff/internal/config"
)

const redacted = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Long: `Display the configuration after defaults, the config file, environment
variables and flags are applied. Secrets are masked.`,
		RunE: runConfigShow,
		Args: cobra.NoArgs,
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Check the config file and environment for errors",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigValidate,
		Args:        cobra.NoArgs,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	masked := maskSecrets(cc.Cfg)

	if cc.Flags.JSON {
		return printJSON(os.Stdout, masked)
	}

	return renderTOML(os.Stdout, masked)
}

func renderTOML(w io.Writer, cfg *config.Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// maskSecrets returns a copy of cfg with credentials replaced.
func maskSecrets(cfg *config.Config) *config.Config {
	out := *cfg

	for _, s := range []*string{
		&out.Auth.APIKey,
		&out.Google.ClientSecret,
		&out.Storage.RedisPassword,
		&out.Storage.RedisURL,
	} {
		if *s != "" {
			*s = redacted
		}
	}

	out.Google.Accounts = append([]string(nil), cfg.Google.Accounts...)

	return &out
}

// runConfigValidate resolves the config again so the real error is reported
// even though the pre-run fell back to defaults.
func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	_, path, err := config.Resolve(config.CLIOverrides{ConfigPath: cc.Flags.ConfigPath})
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	cc.Statusf("%s: OK\n", path)

	return nil
}
