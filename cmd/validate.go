package cmd

import (
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
	"github.com/pinewright/pinewright/internal/config"
	"github.com/pinewright/pinewright/internal/observability"
	"github.com/pinewright/pinewright/internal/service"
)

// newValidateCmd creates and configures the `validate` command.
func newValidateCmd() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate [script-file]",
		Short: "Validates a Pine script against the live editor, optionally repairing and publishing it",
		Long: `Validates a script by compiling it in a real editor session.
With --fix, a failing script is sent to the repair service once and revalidated.
With --publish, a script that ends up valid is published with the given metadata.
Reads the script from the file argument, or from stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Flag overrides follow the usual precedence: flag > env > file.
			if err := viper.BindPFlag("repair.enabled", cmd.Flags().Lookup("fix")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			script, err := readScript(args)
			if err != nil {
				return err
			}
			if len(script) == 0 {
				return fmt.Errorf("script is empty")
			}

			// Re-resolve so the flag bindings from PreRunE take effect.
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to resolve configuration: %w", err)
			}

			svc, err := service.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer func() {
				if err := svc.ShutdownWarmPool(ctx); err != nil {
					logger.Warn("Pool shutdown failed", zap.Error(err))
				}
			}()

			if viper.GetBool("warm") {
				if err := svc.StartWarmPool(ctx); err != nil {
					logger.Warn("Warm pool prestart failed, requests will launch on demand", zap.Error(err))
				}
			}

			budget := 0
			if viper.GetBool("fix") {
				budget = viper.GetInt("fix_budget")
			}

			var intent *schemas.PublishIntent
			if viper.GetBool("publish") {
				intent = &schemas.PublishIntent{
					Title:       viper.GetString("title"),
					Description: viper.GetString("description"),
					Visibility:  viper.GetString("visibility"),
				}
				if intent.Title == "" {
					return fmt.Errorf("--publish requires --title")
				}
			}

			result := svc.Orchestrate(ctx, string(script), budget, intent)
			if err := writeResult(cmd.OutOrStdout(), result, viper.GetBool("json")); err != nil {
				return err
			}
			if !result.IsValid {
				return fmt.Errorf("script is invalid")
			}
			return nil
		},
	}

	validateCmd.Flags().Bool("fix", false, "Attempt one automated repair if validation fails.")
	validateCmd.Flags().Int("fix_budget", 1, "Maximum repair attempts (at most one is executed).")
	validateCmd.Flags().Bool("publish", false, "Publish the script if it ends up valid.")
	validateCmd.Flags().String("title", "", "Publish title.")
	validateCmd.Flags().String("description", "", "Publish description.")
	validateCmd.Flags().String("visibility", "private", "Publish visibility ('private' or 'public').")
	validateCmd.Flags().Bool("warm", true, "Prestart the warm browser session before the first request.")
	validateCmd.Flags().Bool("json", false, "Emit the full result as JSON.")

	return validateCmd
}

func init() {
	rootCmd.AddCommand(newValidateCmd())
}

func readScript(args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read script file: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read script from stdin: %w", err)
	}
	return data, nil
}

func writeResult(w io.Writer, result *schemas.OrchestrationResult, asJSON bool) error {
	if asJSON {
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if result.IsValid {
		fmt.Fprintf(w, "Valid (%d iteration(s))\n", result.IterationCount)
	} else {
		fmt.Fprintf(w, "Invalid (%d iteration(s), %d error(s))\n", result.IterationCount, len(result.FinalErrors))
	}
	if result.FixAttempted {
		if result.FixSucceeded {
			fmt.Fprintln(w, "Automated repair succeeded.")
		} else {
			fmt.Fprintln(w, "Automated repair did not produce a valid script.")
		}
	}
	for _, e := range result.FinalErrors {
		if e.Line > 0 {
			fmt.Fprintf(w, "  line %d [%s]: %s\n", e.Line, e.Severity, e.Message)
		} else {
			fmt.Fprintf(w, "  [%s]: %s\n", e.Severity, e.Message)
		}
	}
	if result.PublishedURL != "" {
		fmt.Fprintf(w, "Published: %s\n", result.PublishedURL)
	}
	if result.PublishError != "" {
		fmt.Fprintf(w, "Publish problem: %s\n", result.PublishError)
	}
	return nil
}
