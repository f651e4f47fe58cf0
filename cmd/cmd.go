package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/cbison/envconfig"
	"github.com/ollama/cbison/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cbison",
		Short: "Grammar engine library checker",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show configuration variables",
		Args:  cobra.NoArgs,
		RunE:  envHandler,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print an example configuration file",
		Args:  cobra.NoArgs,
		RunE:  configHandler,
	}
	configCmd.Flags().Bool("path", false, "Print the path of the configuration file in use")

	rootCmd.AddCommand(
		NewCheckCmd(),
		envCmd,
		configCmd,
	)

	return rootCmd
}

func envHandler(cmd *cobra.Command, args []string) error {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var data [][]string
	for _, name := range names {
		v := vars[name]
		data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

func configHandler(cmd *cobra.Command, args []string) error {
	showPath, err := cmd.Flags().GetBool("path")
	if err != nil {
		return err
	}

	if showPath {
		path := envconfig.ConfigPath()
		if path == "" {
			return fmt.Errorf("no configuration file found, searched %v", envconfig.GetConfigPaths())
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	}

	fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
	return nil
}
