package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of detconc",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("detconc version 0.1.0")
	},
}
