package main

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/andrewh/beacon/pkg/instrument/docload"
	"github.com/andrewh/beacon/pkg/semconv"
)

func validateCmd() *cobra.Command {
	var semconvDir string

	cmd := &cobra.Command{
		Use:   "validate <payload.json...>",
		Short: "Parse and validate timing payloads without emitting spans",
		Long: "Parse and validate timing payloads without emitting spans.\n\n" +
			"Custom attribute keys are linted against the embedded semantic\n" +
			"convention registry; unknown and deprecated keys are reported.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing payload file\n\nUsage: beacon validate <payload.json...>")
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args, semconvDir)
		},
	}

	cmd.Flags().StringVar(&semconvDir, "semconv", "", "directory of additional semantic convention YAML files")

	return cmd
}

// loadConventions merges the embedded registry with an optional user
// directory, user definitions winning on conflicts.
func loadConventions(dir string) (*semconv.Registry, error) {
	reg, err := semconv.LoadEmbedded()
	if err != nil {
		return nil, fmt.Errorf("loading semantic conventions: %w", err)
	}
	if dir == "" {
		return reg, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("--semconv directory %q does not exist", dir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("--semconv path %q is not a directory", dir)
	}
	userReg, err := semconv.Load(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("loading semantic conventions from %s: %w", dir, err)
	}
	return reg.Merge(userReg), nil
}

func runValidate(cmd *cobra.Command, paths []string, semconvDir string) error {
	reg, err := loadConventions(semconvDir)
	if err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"PAYLOAD", "URL", "RESOURCES", "ATTRIBUTES", "FINDINGS", "STATUS"})
	printer := message.NewPrinter(language.English)
	errOut := cmd.ErrOrStderr()

	invalid := 0
	for _, path := range paths {
		name := filepath.Base(path)
		payload, err := docload.ParseFile(path)
		if err != nil {
			invalid++
			tw.AppendRow(table.Row{name, "", 0, 0, 0, "INVALID"})
			_, _ = fmt.Fprintf(errOut, "%s: %v\n", name, err)
			continue
		}

		status := "OK"
		if err := payload.Validate(); err != nil {
			invalid++
			status = "INVALID"
			_, _ = fmt.Fprintf(errOut, "%s: %v\n", name, err)
		}

		findings := lintAttributes(reg, payload)
		for _, finding := range findings {
			_, _ = fmt.Fprintf(errOut, "%s: attribute %s\n", name, finding)
		}

		tw.AppendRow(table.Row{
			name, payload.URL,
			printer.Sprintf("%d", len(payload.Resources)),
			printer.Sprintf("%d", len(payload.Attributes)),
			printer.Sprintf("%d", len(findings)),
			status,
		})
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), tw.Render())

	if invalid > 0 {
		return fmt.Errorf("%d of %d payloads invalid", invalid, len(paths))
	}
	label := "payloads"
	if len(paths) == 1 {
		label = "payload"
	}
	_, _ = printer.Fprintf(cmd.OutOrStdout(), "%d %s valid\n", len(paths), label)
	return nil
}

// lintAttributes checks the payload's custom attribute keys against the
// registry. Keys are linted in sorted order so output is stable.
func lintAttributes(reg *semconv.Registry, p *docload.Payload) []string {
	if len(p.Attributes) == 0 {
		return nil
	}
	var notes []string
	for _, f := range reg.Lint(slices.Sorted(maps.Keys(p.Attributes))) {
		if f.Note != "" {
			notes = append(notes, fmt.Sprintf("%s is %s: %s", f.Key, f.Kind, f.Note))
		} else {
			notes = append(notes, fmt.Sprintf("%s is %s", f.Key, f.Kind))
		}
	}
	return notes
}
