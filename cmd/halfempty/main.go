package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/googleprojectzero/halfempty/internal/cli"
)

// main is a deterministic boundary: argv is parsed into a config.Config
// before any engine logic runs, and the only thing main itself decides is
// which process exit code a given error maps to.
func main() {
	result, err := cli.Run(context.Background(), os.Args[1:])
	if err != nil {
		var invErr *cli.InvocationError
		if errors.As(err, &invErr) {
			fmt.Fprintln(os.Stderr, invErr.Message)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	os.Exit(result.ExitCode)
}
