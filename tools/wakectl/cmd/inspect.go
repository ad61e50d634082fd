package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wakectl/internal/registry"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect IMAGE [IMAGE...]",
	Short: "Check that images resolve in their registry",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		insecure, _ := cmd.Flags().GetBool("insecure")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		client := registry.NewClient(registry.WithInsecure(insecure))
		failed := 0
		for _, image := range args {
			summary, err := client.Inspect(ctx, image)
			if err != nil {
				fmt.Printf("%s: %v\n", image, err)
				failed++
				continue
			}
			fmt.Printf("%s\n", summary.Reference)
			fmt.Printf("  registry:  %s\n", summary.Registry)
			fmt.Printf("  digest:    %s\n", summary.Digest)
			fmt.Printf("  media:     %s\n", summary.MediaType)
			if len(summary.Platforms) > 0 {
				fmt.Printf("  platforms: %s\n", strings.Join(summary.Platforms, ", "))
			}
			fmt.Printf("  size:      %.2f MB\n", float64(summary.Size)/1024.0/1024.0)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images could not be resolved", failed, len(args))
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().Duration("timeout", 30*time.Second, "Timeout for all registry requests")
	inspectCmd.Flags().Bool("insecure", false, "Allow plain HTTP registries")
}
