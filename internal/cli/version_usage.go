package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/koltyakov/botfleet/internal/versionutil"
)

func printUsage() {
	fmt.Println(`botfleet - multi-tenant chat bot session manager

Runs many bot identities in one process, pairs new ones over HTTP and keeps
them connected through a messaging bridge.

Usage:
  botfleet serve [flags]                Start the HTTP API and session manager
  botfleet roster list                  Print the numbers in the roster file
  botfleet roster add <number>          Add a number to the roster file
  botfleet roster remove <number>       Remove a number from the roster file
  botfleet keygen                       Print a random admin API key
  botfleet version                      Print version
  botfleet help                         Show this help

Environment:
  BOTFLEET_* variables configure serve; a .env file in the working directory
  is read for keys that are not already set. Run "botfleet serve -h" for the
  full flag list.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	Version = versionutil.Display(Version)
}

func printVersion() {
	fmt.Println("botfleet", Version)
}
