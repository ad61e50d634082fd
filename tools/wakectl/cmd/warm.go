package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"wakectl/internal/warm"

	"github.com/spf13/cobra"
)

var warmCmd = &cobra.Command{
	Use:   "warm PATH [PATH...]",
	Short: "Request preview paths so their instances are started ahead of visitors",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proxyURL, _ := cmd.Flags().GetString("proxy")
		first, _ := cmd.Flags().GetInt("first")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		warmer, err := warm.NewWarmer(proxyURL, &http.Client{Timeout: timeout})
		if err != nil {
			return err
		}
		results := warmer.Warm(context.Background(), args, first, func(wave int, paths []string) {
			fmt.Printf("--- Wave %d: warming %d paths ---\n", wave, len(paths))
		})

		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
				fmt.Printf("%s: %v (%s)\n", res.Path, res.Err, res.Duration.Round(time.Millisecond))
				continue
			}
			fmt.Printf("%s: %d (%s)\n", res.Path, res.Status, res.Duration.Round(time.Millisecond))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d paths failed to warm", failed, len(results))
		}
		return nil
	},
}

func init() {
	warmCmd.Flags().String("proxy", "http://localhost", "Base URL of the proxy including the base path")
	warmCmd.Flags().Int("first", 1, "Size of the first wave, later waves double in size")
	warmCmd.Flags().Duration("timeout", 2*time.Minute, "Timeout of a single warm request")
}
