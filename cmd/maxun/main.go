package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theshibabasement/maxun/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "maxun",
	Short: "Robot run orchestrator and schedule engine",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
