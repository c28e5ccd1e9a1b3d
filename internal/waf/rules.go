package waf

import (
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

type target uint8

const (
	inPath target = 1 << iota
	inQuery
	inHeaders
	inUA
	inURI
)

type rule struct {
	name    string
	targets target
	pattern *regexp.Regexp
}

const (
	maxURILength   = 8192
	maxHeaderCount = 64
)

// Headers that browsers and proxies control and that only cause false
// positives.
var skipHeaders = map[string]struct{}{
	"Accept":          {},
	"Accept-Encoding": {},
	"Accept-Language": {},
	"Authorization":   {},
	"Cache-Control":   {},
	"Connection":      {},
	"Content-Length":  {},
	"Content-Type":    {},
	"Sec-Ch-Ua":       {},
	"Sec-Fetch-Dest":  {},
	"Sec-Fetch-Mode":  {},
	"Sec-Fetch-Site":  {},
}

func defaultRules() []rule {
	return []rule{
		{
			name:    "path-traversal",
			targets: inURI,
			pattern: regexp.MustCompile(`(?i)(?:\.\.[\\/]|\.\.%2f|\.\.%5c|%00)`),
		},
		{
			name:    "sql-injection",
			targets: inPath | inQuery | inHeaders,
			pattern: regexp.MustCompile(`(?i)(?:` +
				`union\s+(?:all\s+)?select` +
				`|;\s*(?:drop|delete|insert|update|alter)\s` +
				`|['"]\s*(?:or|and)\s+['"\d].*=` +
				`|'\s*;\s*--` +
				`|/\*[^*]*\*/` +
				`|(?:benchmark|sleep|waitfor)\s*\(` +
				`)`),
		},
		{
			name:    "xss",
			targets: inPath | inQuery | inHeaders,
			pattern: regexp.MustCompile(`(?i)(?:` +
				`<\s*script` +
				`|javascript\s*:` +
				`|<\s*(?:iframe|object|embed|svg)[\s>]` +
				`|(?:alert|eval)\s*\(` +
				`)`),
		},
		{
			name:    "shell-injection",
			targets: inQuery | inHeaders,
			pattern: regexp.MustCompile("(?i)(?:\\$\\(|`[^`]+`" +
				`|[|;]\s*(?:cat|curl|wget|nc|bash|sh|python|perl|chmod)\b)`),
		},
		{
			name:    "jndi-lookup",
			targets: inPath | inQuery | inHeaders,
			pattern: regexp.MustCompile(`(?i)\$\{.*?(?:jndi|java)\s*:`),
		},
		{
			name:    "scanner-ua",
			targets: inUA,
			pattern: regexp.MustCompile(`(?i)(?:sqlmap|nikto|nmap|masscan|gobuster|dirbuster|nuclei|zgrab|acunetix|havij)`),
		},
		{
			name:    "header-injection",
			targets: inHeaders,
			pattern: regexp.MustCompile(`[\r\n]`),
		},
		{
			name:    "sensitive-file-probe",
			targets: inPath,
			pattern: regexp.MustCompile(`(?i)(?:/\.env|/\.git(?:/|$)|/wp-(?:admin|login)|/phpmy|/cgi-bin/|/\.aws/|/\.ssh/|/etc/passwd)`),
		},
	}
}

// match returns the name of the first rule the request trips.
func match(rules []rule, r *http.Request) (string, bool) {
	if len(r.RequestURI) > maxURILength {
		return "uri-too-long", true
	}
	headers := headerValues(r.Header)
	if len(headers) > maxHeaderCount {
		return "too-many-headers", true
	}
	queries := queryForms(r.URL.RawQuery)
	ua := r.UserAgent()

	for i := range rules {
		rl := &rules[i]
		switch {
		case rl.targets&inURI != 0 && rl.pattern.MatchString(r.RequestURI),
			rl.targets&inPath != 0 && !isWellKnown(r.URL.Path) && rl.pattern.MatchString(r.URL.Path),
			rl.targets&inQuery != 0 && slices.ContainsFunc(queries, rl.pattern.MatchString),
			rl.targets&inUA != 0 && ua != "" && rl.pattern.MatchString(ua),
			rl.targets&inHeaders != 0 && slices.ContainsFunc(headers, rl.pattern.MatchString):
			return rl.name, true
		}
	}
	return "", false
}

// queryForms returns the raw query together with its single and double
// decoded forms so encoded payloads are inspected too.
func queryForms(raw string) []string {
	if raw == "" {
		return nil
	}
	forms := []string{raw}
	if strings.Contains(raw, "+") {
		forms = append(forms, strings.ReplaceAll(raw, "+", " "))
	}
	cur := raw
	for range 2 {
		if !strings.Contains(cur, "%") {
			break
		}
		next, err := url.QueryUnescape(cur)
		if err != nil || next == cur {
			break
		}
		forms = append(forms, next)
		cur = next
	}
	return forms
}

func headerValues(h http.Header) []string {
	out := make([]string, 0, len(h))
	for name, values := range h {
		if name == "User-Agent" {
			continue
		}
		if _, skip := skipHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		out = append(out, values...)
	}
	return out
}

func isWellKnown(path string) bool {
	return path == "/.well-known" || strings.HasPrefix(path, "/.well-known/")
}
