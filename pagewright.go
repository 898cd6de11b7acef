package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	cli "github.com/neboloop/pagewright/cmd/pagewright"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	if err := cli.SetupRootCmd().Execute(); err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
