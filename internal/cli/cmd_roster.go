package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/koltyakov/botfleet/internal/roster"
)

func runRoster(args []string) int {
	return runRosterTo(os.Stdout, os.Stderr, args)
}

func runRosterTo(stdout, stderr io.Writer, args []string) int {
	loadServerEnvFromDotEnv(".env")

	fs := flag.NewFlagSet("roster", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := envOr("BOTFLEET_ROSTER_PATH", "./numbers.json")
	fs.StringVar(&path, "roster", path, "Roster file of known numbers")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, "roster command error: expected list, add or remove")
		return 2
	}
	r := roster.New(path)

	switch rest[0] {
	case "list":
		ids, err := r.List()
		if err != nil {
			fmt.Fprintln(stderr, "roster error:", err)
			return 1
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintln(stdout, id)
		}
		return 0
	case "add", "remove":
		if len(rest) != 2 {
			fmt.Fprintf(stderr, "roster command error: usage: botfleet roster %s <number>\n", rest[0])
			return 2
		}
		var (
			changed bool
			err     error
		)
		if rest[0] == "add" {
			changed, err = r.Add(rest[1])
		} else {
			changed, err = r.Remove(rest[1])
		}
		if err != nil {
			fmt.Fprintln(stderr, "roster error:", err)
			return 1
		}
		if !changed {
			fmt.Fprintln(stdout, "unchanged:", r.Path())
			return 0
		}
		fmt.Fprintln(stdout, "saved:", r.Path())
		return 0
	}
	fmt.Fprintln(stderr, "roster command error: unknown action", rest[0])
	return 2
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
