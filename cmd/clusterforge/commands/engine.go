package commands

import (
	"github.com/spf13/cobra"
)

func newEngineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Inspect provisioning engines",
	}

	var showSchema bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			factories := newRegistry().List()

			type engineInfo struct {
				Name        string `json:"name"`
				VerboseName string `json:"verbose_name"`
				Schema      string `json:"schema,omitempty"`
			}
			data := make([]engineInfo, 0, len(factories))
			rows := make([][]string, 0, len(factories))
			for _, f := range factories {
				info := engineInfo{Name: f.Name, VerboseName: f.VerboseName}
				if showSchema {
					info.Schema = f.Schema
				}
				data = append(data, info)
				rows = append(rows, []string{f.Name, f.VerboseName, boolMark(f.Schema != ""), boolMark(f.Status != nil)})
			}
			return printTable(data, []string{"NAME", "DESCRIPTION", "SCHEMA", "STATUS PROBE"}, rows)
		},
	}
	list.Flags().BoolVar(&showSchema, "schema", false, "include parameter schemas in JSON output")

	cmd.AddCommand(list)
	return cmd
}

func boolMark(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
