package main

import (
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "raksha",
		Short:         "Score URLs for phishing and malware risk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to config file (defaults to $RAKSHA_CONFIG)")

	root.AddCommand(newScanCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Raksha %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		},
	}
}

func printBanner(w io.Writer) {
	fig := figure.NewFigure("RAKSHA", "doom", true)
	color.New(color.FgRed).Fprintln(w, fig.String())

	cyan := color.New(color.FgCyan)
	_, _ = cyan.Fprintln(w, "════════════════════════════════════════════════")
	_, _ = color.New(color.FgGreen).Fprintln(w, "    URL threat scoring | "+Version)
	_, _ = cyan.Fprintln(w, "════════════════════════════════════════════════")
}
