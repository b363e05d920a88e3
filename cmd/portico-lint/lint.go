package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/portico/internal/lint"
	"github.com/pitabwire/portico/internal/notify"
	"github.com/pitabwire/portico/model"
)

// localTenant scopes the custom phase when a rule set file is given.
const localTenant = "local"

// errThreshold is returned when findings reach the --fail-on severity. The
// findings have already been printed.
var errThreshold = errors.New("findings at or above the failure threshold")

type lintOptions struct {
	ruleset  string
	defaults string
	format   string
	failOn   string
	verbose  bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "portico-lint [command]",
		SilenceUsage: true,
		Short:        "Lint API definitions with the Portico rule sets.",
	}
	root.AddCommand(newLintCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "portico-lint %s (%s)\n", version, commit)
		},
	}
}

func newLintCmd() *cobra.Command {
	opts := lintOptions{}
	cmd := &cobra.Command{
		Use:           "lint FILE",
		Short:         "Lint an OpenAPI or AsyncAPI definition.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLint(cmd.Context(), args[0], opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.ruleset, "ruleset", "", "custom rule set file run after the default rule set")
	cmd.Flags().StringVar(&opts.defaults, "defaults", "", "replace the embedded default rule set")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "output format: text, json or sarif")
	cmd.Flags().StringVar(&opts.failOn, "fail-on", "error", "lowest severity that fails the run: error, warn, info or hint")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline diagnostics to stderr")
	return cmd
}

func runLint(ctx context.Context, path string, opts lintOptions, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	threshold, err := model.ParseSeverity(opts.failOn)
	if err != nil {
		return fmt.Errorf("--fail-on: %w", err)
	}
	switch opts.format {
	case "text", "json", "sarif":
	default:
		return fmt.Errorf("--format: unknown format %q", opts.format)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading definition: %w", err)
	}

	logger := zap.NewNop()
	if opts.verbose {
		logger = newStderrLogger(stderr)
	}

	lintOpts := []lint.Option{lint.WithLogger(logger)}
	if opts.defaults != "" {
		rs, err := lint.LoadRuleset(opts.defaults)
		if err != nil {
			return err
		}
		lintOpts = append(lintOpts, lint.WithDefaultRuleset(rs))
	}
	if opts.ruleset != "" {
		lintOpts = append(lintOpts, lint.WithRulesetSource(fileRuleset(opts.ruleset)))
		ctx = model.WithRequestContext(ctx, &model.RequestContext{TenantID: localTenant})
	}
	linter, err := lint.New(lintOpts...)
	if err != nil {
		return err
	}

	collector := &notify.Collector{}
	ctx = notify.WithNotifier(ctx, collector)
	result := linter.Lint(ctx, filepath.Base(path), content)
	notes := collector.Items()

	switch opts.format {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(struct {
			Result        model.LintRunResult   `json:"result"`
			Notifications []notify.Notification `json:"notifications"`
		}{result, notes})
	case "sarif":
		err = lint.WriteSARIF(stdout, result, path)
	default:
		err = writeText(stdout, path, result)
	}
	if err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if opts.format != "json" {
		for _, n := range notes {
			fmt.Fprintf(stderr, "%s: %s (%s)\n", n.Level, n.Message, n.Source)
		}
	}

	for _, f := range result.Findings {
		if f.Severity <= threshold {
			return errThreshold
		}
	}
	return nil
}

// writeText prints one finding per line with 1-based line numbers.
func writeText(w io.Writer, path string, result model.LintRunResult) error {
	for _, f := range result.Findings {
		if _, err := fmt.Fprintf(w, "%s:%d\t%-5s\t%s\t%s\n", path, f.Line+1, f.Severity, f.RuleID, f.Message); err != nil {
			return err
		}
	}
	s := result.Summary
	_, err := fmt.Fprintf(w, "%s (%d errors, %d warnings, %d infos, %d hints)\n",
		result.Status, s.ErrorCount, s.WarningCount, s.InfoCount, s.HintCount)
	return err
}

// fileRuleset serves a rule set file as the local tenant's custom rule set.
func fileRuleset(path string) lint.RulesetSource {
	return lint.RulesetSourceFunc(func(context.Context, string) ([]byte, bool, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	})
}

func newStderrLogger(w io.Writer) *zap.Logger {
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core)
}
