package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/studify-ai/studify/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Report version information for studify",
		// Set persistent pre run to empty so we don't double print version info
		PersistentPreRun: NoPrintVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := version.Get()
			of, err := cmd.Flags().GetString("output")
			if err != nil {
				return errors.Wrapf(err, "error accessing output flag for command %s", cmd.Name())
			}
			switch of {
			case "":
				fmt.Fprintf(os.Stdout, "studify built from %s with %s\n", v.GitCommit, v.GoVersion)
			case "short":
				fmt.Fprintf(os.Stdout, "%s\n", v.GitCommit)
			case "yaml":
				y, err := yaml.Marshal(&v)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, string(y))
			case "json":
				j, err := json.MarshalIndent(&v, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, string(j))
			default:
				return errors.Errorf("invalid output format: %s", of)
			}

			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "Output format; available options are 'yaml', 'json' and 'short'")
	return cmd
}

// PrintVersion is used as a PersistentPreRun function so every command logs what it was built from.
var PrintVersion = func(cmd *cobra.Command, args []string) {
	fmt.Fprintf(os.Stderr, "studify built from %s\n", version.Get().GitCommit)
}

// NoPrintVersion is used as an empty PersistentPreRun function so we don't print version info
// for some commands.
var NoPrintVersion = func(cmd *cobra.Command, args []string) {
}
