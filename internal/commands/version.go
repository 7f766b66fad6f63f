package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the quilt version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("quilt %s\n", rootCmd.Version)
	},
}
