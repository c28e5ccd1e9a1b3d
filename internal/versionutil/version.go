// Package versionutil formats build versions for display.
package versionutil

import "strings"

// Display returns the user-facing form of a build version. A blank value
// is "dev", and release numbers such as 1.4.0 gain a leading "v".
func Display(raw string) string {
	v := strings.TrimSpace(raw)
	switch {
	case v == "":
		return "dev"
	case v[0] >= '0' && v[0] <= '9':
		return "v" + v
	}
	return v
}
