package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// version is set via -ldflags at release build time; falls back to VCS info.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the capsule version",
	Run: func(cmd *cobra.Command, args []string) {
		v := version
		if v == "dev" {
			if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
				v = info.Main.Version
			}
		}
		fmt.Printf("capsule %s\n", v)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
