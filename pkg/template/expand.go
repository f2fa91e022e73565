// Package template expands {placeholder} text such as review request titles.
package template

import (
	"os"
	"os/user"
	"regexp"
	"strings"
	"time"
)

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// Builtins returns the built-in placeholder values at now:
//
//	{date}      YYYY-MM-DD
//	{time}      HH:MM:SS
//	{datetime}  YYYY-MM-DD HH:MM:SS
//	{user}      login of the process owner
//	{hostname}  short host name
func Builtins(now time.Time) map[string]string {
	vals := map[string]string{
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("15:04:05"),
		"datetime": now.Format("2006-01-02 15:04:05"),
		"user":     "unknown",
		"hostname": "unknown",
	}
	if u, err := user.Current(); err == nil {
		vals["user"] = u.Username
	}
	if h, err := os.Hostname(); err == nil {
		vals["hostname"] = strings.Split(h, ".")[0]
	}
	return vals
}

// Expand replaces placeholders in text. vars override the built-ins.
// Unknown placeholders are left as written.
func Expand(text string, vars map[string]string) string {
	return ExpandAt(text, vars, time.Now())
}

// ExpandAt is Expand with a fixed clock.
func ExpandAt(text string, vars map[string]string, now time.Time) string {
	if !strings.Contains(text, "{") {
		return text
	}
	vals := Builtins(now)
	for k, v := range vars {
		vals[k] = v
	}
	// Single pass, so substituted values are never re-expanded.
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		if v, ok := vals[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// Unknown returns the placeholders in text that are neither built-in nor
// listed in allowed, in order of first use.
func Unknown(text string, allowed ...string) []string {
	known := Builtins(time.Time{})
	for _, a := range allowed {
		known[a] = ""
	}
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if _, ok := known[name]; ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
