package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"relmap/data/db/dialect"
	"relmap/examples/foodorder"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the demo DDL for the configured driver",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d := dialect.New(rt.cfg.DBConfig().Driver)
		for _, stmt := range foodorder.Schema(d.Name()) {
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s;\n", stmt); err != nil {
				return err
			}
		}
		return nil
	},
}
