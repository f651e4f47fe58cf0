package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/cbison/cbison"
	"github.com/ollama/cbison/conformance"
	"github.com/ollama/cbison/envconfig"
)

// loadEngine opens the library under test.
var loadEngine = cbison.Load

func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [library]",
		Short: "Run the conformance suite against an engine library",
		Long:  "Run the conformance suite against an engine library. The library defaults to CBISON_LIBRARY.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  checkHandler,
	}

	cmd.Flags().String("prefix", envconfig.Prefix, "Symbol prefix (default: library base name)")
	cmd.Flags().String("options", envconfig.FactoryOptions, "Engine options JSON passed to new_factory")
	cmd.Flags().String("tokenizer", envconfig.Tokenizer, "Also check with this HuggingFace tokenizer.json")
	cmd.Flags().IntP("parallel", "p", envconfig.NumParallel, "Number of targets checked concurrently")
	cmd.Flags().Int("max-ff-tokens", envconfig.MaxFFTokens, "Maximum forced tokens requested")
	cmd.Flags().String("grammar-error", conformance.DefaultGrammarError, "Text the engine must report for a malformed grammar")
	cmd.Flags().BoolP("verbose", "v", false, "Show every step")

	return cmd
}

func checkHandler(cmd *cobra.Command, args []string) error {
	library := envconfig.Library
	if len(args) > 0 {
		library = args[0]
	}

	if library == "" {
		return errors.New("no engine library: pass a path or set CBISON_LIBRARY")
	}

	flags := cmd.Flags()
	prefix, _ := flags.GetString("prefix")
	tokenizerPath, _ := flags.GetString("tokenizer")
	parallel, _ := flags.GetInt("parallel")
	verbose, _ := flags.GetBool("verbose")

	var opts conformance.Options
	opts.FactoryOptions, _ = flags.GetString("options")
	opts.MaxFFTokens, _ = flags.GetInt("max-ff-tokens")
	opts.GrammarError, _ = flags.GetString("grammar-error")

	eng, err := loadEngine(library, prefix)
	if err != nil {
		return err
	}

	reports, err := conformance.RunAll(cmd.Context(), eng, conformance.DefaultTargets(tokenizerPath), opts, parallel)
	if err != nil {
		return err
	}

	renderReports(cmd.OutOrStdout(), reports, verbose)

	var failed int
	for _, r := range reports {
		if r.Failed() {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(reports))
	}

	return nil
}

func reportStatus(r *conformance.Report) (status, detail string) {
	switch {
	case r.Skipped:
		return "skipped", r.Err.Error()
	case r.Err != nil:
		return "failed", r.Err.Error()
	}

	var skipped []string
	for _, s := range r.Steps {
		if s.Err != nil {
			return "failed", fmt.Sprintf("%s: %v", s.Name, s.Err)
		}
		if s.Skipped {
			skipped = append(skipped, s.Name)
		}
	}

	var notes []string
	if r.Diagnostic != "" {
		notes = append(notes, "engine: "+r.Diagnostic)
	}

	if len(skipped) > 0 {
		notes = append(notes, "skipped "+strings.Join(skipped, ", "))
	}

	return "passed", strings.Join(notes, "; ")
}

func stepStatus(s conformance.Step) (status, detail string) {
	switch {
	case s.Skipped:
		return "skipped", s.Reason
	case s.Err != nil:
		return "failed", s.Err.Error()
	default:
		return "passed", ""
	}
}

func renderReports(w io.Writer, reports []*conformance.Report, verbose bool) {
	var data [][]string
	for _, r := range reports {
		status, detail := reportStatus(r)

		var elapsed time.Duration
		for _, s := range r.Steps {
			elapsed += s.Duration
		}

		data = append(data, []string{r.Target, "", status, elapsed.Round(time.Microsecond).String(), detail})
		if !verbose {
			continue
		}

		for _, s := range r.Steps {
			status, detail := stepStatus(s)
			data = append(data, []string{"", s.Name, status, s.Duration.Round(time.Microsecond).String(), detail})
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TARGET", "STEP", "RESULT", "TIME", "DETAIL"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
