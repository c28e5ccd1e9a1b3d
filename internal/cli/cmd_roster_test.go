package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunRoster(t *testing.T) {
	t.Setenv("BOTFLEET_ROSTER_PATH", "")
	path := filepath.Join(t.TempDir(), "numbers.json")
	run := func(args ...string) (int, string) {
		var out, errOut bytes.Buffer
		code := runRosterTo(&out, &errOut, append([]string{"--roster", path}, args...))
		return code, out.String() + errOut.String()
	}

	if code, out := run("add", "+94 77 123"); code != 0 || !strings.HasPrefix(out, "saved:") {
		t.Fatalf("add = %d %q", code, out)
	}
	if code, out := run("add", "9477123"); code != 0 || !strings.HasPrefix(out, "unchanged:") {
		t.Fatalf("duplicate add = %d %q", code, out)
	}
	run("add", "1")
	if code, out := run("list"); code != 0 || out != "1\n9477123\n" {
		t.Fatalf("list = %d %q", code, out)
	}
	if code, _ := run("remove", "1"); code != 0 {
		t.Fatalf("remove = %d", code)
	}
	if code, out := run("list"); code != 0 || out != "9477123\n" {
		t.Fatalf("list after remove = %d %q", code, out)
	}

	if code, _ := run(); code != 2 {
		t.Fatalf("missing action = %d", code)
	}
	if code, _ := run("add"); code != 2 {
		t.Fatalf("missing number = %d", code)
	}
	if code, _ := run("add", "abc"); code != 1 {
		t.Fatalf("invalid number = %d", code)
	}
	if code, _ := run("purge"); code != 2 {
		t.Fatalf("unknown action = %d", code)
	}
}
