package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var root = &cobra.Command{
		Use:           "timegate",
		Short:         "Web archive replay gateway and resource loader",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(
		serveCMD(),
		loaderCMD(),
		resolveCMD(),
		migrateCMD(),
		tokenCMD(),
		exclusionCMD(),
		cacheCMD(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var cfgPath string
