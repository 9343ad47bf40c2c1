package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/config"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/engine"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/executor"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pipeline.{json,yaml}>",
		Short: "Execute a pipeline file locally",
		Long: `Validates and executes a pipeline document without the HTTP service.

Progress lines go to stderr and the execution result is printed as JSON on
stdout. The command exits with status 1 when the run fails.

Example:
  pipeline run ./greeting.yaml --input text="hello world"`,
		Args: cobra.ExactArgs(1),
		RunE: runPipelineFile,
	}

	cmd.Flags().StringArrayP("input", "i", nil, "Input as key=value; JSON values are decoded (repeatable)")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
	return cmd
}

func runPipelineFile(cmd *cobra.Command, args []string) error {
	rawInputs, err := cmd.Flags().GetStringArray("input")
	if err != nil {
		return fmt.Errorf("failed to get input flag: %w", err)
	}
	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return fmt.Errorf("failed to get quiet flag: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Logs share stderr with progress; keep them quiet unless asked for.
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
	}
	cfg.LogFormat = "text"
	logger := newLogger(cfg, cmd.ErrOrStderr())

	p, err := loadPipelineFile(args[0])
	if err != nil {
		return err
	}
	inputs, err := parseInputs(rawInputs)
	if err != nil {
		return err
	}

	v, err := validator.New()
	if err != nil {
		return err
	}
	validation := v.ValidatePipeline(p)
	for _, w := range validation.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", w.Path, w.Message)
	}
	if !validation.Valid {
		for _, e := range validation.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "invalid: %s: %s\n", e.Path, e.Message)
		}
		return fmt.Errorf("pipeline %s is invalid", args[0])
	}

	gen, closeGen, err := newGenerator(cfg, logger)
	if err != nil {
		return err
	}
	defer closeGen()

	eng := engine.New(executor.New(gen, logger), engine.Config{Retry: retryPolicy(cfg)}, logger)

	var onProgress types.ProgressFunc
	if !quiet {
		onProgress = progressPrinter(cmd.ErrOrStderr())
	}
	result := eng.Execute(cmd.Context(), p, inputs, onProgress)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if result.Failed() {
		logger.Debug("run failed", slog.String("error", result.Error))
		return errRunFailed
	}
	return nil
}

// loadPipelineFile reads a pipeline document. Files ending in .yaml or .yml
// are YAML; everything else is JSON.
func loadPipelineFile(path string) (*types.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	var p types.Pipeline
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
		}
	}
	return &p, nil
}

// parseInputs turns key=value pairs into run inputs. Values that parse as
// JSON keep their type; anything else is a string.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}

func progressPrinter(w io.Writer) types.ProgressFunc {
	return func(p types.ExecutionProgress) {
		line := fmt.Sprintf("[%3d%%] %-9s %s", p.Percentage, p.Status, p.Message)
		if p.CurrentNode != nil {
			line += fmt.Sprintf(" (%s)", *p.CurrentNode)
		}
		fmt.Fprintln(w, line)
	}
}
