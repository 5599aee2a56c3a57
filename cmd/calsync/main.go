package main

import (
	"fmt"
	"os"

	"calsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "calsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
