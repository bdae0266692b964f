// Command offlinesync runs the offline-first sync engine, its reference
// authority and the queue maintenance tools.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tbourn/go-offline-sync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
