package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "memstack"}

	root.AddCommand(serveCMD(), migrateCMD(), seedCMD(), hashCMD())
	_ = root.Execute()
}
