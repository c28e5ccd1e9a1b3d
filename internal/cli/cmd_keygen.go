package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/koltyakov/botfleet/internal/auth"
)

func runKeygen() int {
	return runKeygenTo(os.Stdout, os.Stderr)
}

func runKeygenTo(stdout, stderr io.Writer) int {
	key, err := auth.GenerateKey()
	if err != nil {
		fmt.Fprintln(stderr, "keygen error:", err)
		return 1
	}
	fmt.Fprintln(stdout, key)
	return 0
}
