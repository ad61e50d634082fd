package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wakectl",
	Short: "wakectl inspects images and warms preview instances behind wakeproxy",
	Long:  "wakectl checks that images can be pulled before they are requested and warms preview instances so the first visitor does not wait for a cold start",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(warmCmd)
}
