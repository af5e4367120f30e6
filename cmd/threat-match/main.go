package main

import (
	"context"
	"fmt"
	"os"

	"github.com/PhucNguyen204/threat-match/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRoot(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
