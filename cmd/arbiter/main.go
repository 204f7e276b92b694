// Command arbiter runs trial campaigns against a resolved run
// configuration: deterministic planning, bounded-concurrency execution,
// online clustering, and a verifiable run directory.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
