// Package template resolves command lines with {name} placeholders.
//
// A placeholder is a name made of letters, digits, '_', '-' and '.' enclosed
// in braces. "{{" and "}}" produce literal braces. Any other brace, and a
// brace following '$', is copied verbatim, so shell constructs like ${HOME}
// or awk '{print $1}' survive.
package template

import (
	"slices"
	"strings"

	"github.com/reconloop/reconloop/internal/model"
)

// Resolve substitutes every placeholder of tmpl with its value from args.
// It fails with *model.MissingArgsError listing each unbound name once, in
// order of appearance.
func Resolve(tmpl string, args map[string]string) (string, error) {
	var sb strings.Builder
	var missing []string
	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			sb.WriteByte('{')
			i += 2
			continue
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			sb.WriteByte('}')
			i += 2
			continue
		case c == '{' && !afterDollar(tmpl, i):
			if name, ok := placeholder(tmpl[i+1:]); ok {
				if v, bound := args[name]; bound {
					sb.WriteString(v)
				} else if !slices.Contains(missing, name) {
					missing = append(missing, name)
				}
				i += len(name) + 2
				continue
			}
		}
		sb.WriteByte(c)
		i++
	}
	if len(missing) > 0 {
		return "", &model.MissingArgsError{Template: tmpl, Missing: missing}
	}
	return sb.String(), nil
}

// Placeholders returns the distinct placeholder names of tmpl.
func Placeholders(tmpl string) []string {
	var names []string
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '{' || afterDollar(tmpl, i) {
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == '{' {
			i++
			continue
		}
		if name, ok := placeholder(tmpl[i+1:]); ok {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
			i += len(name) + 1
		}
	}
	return names
}

func afterDollar(s string, i int) bool {
	return i > 0 && s[i-1] == '$'
}

// placeholder reports the name at the start of s terminated by '}'.
func placeholder(s string) (string, bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '}':
			return s[:i], i > 0
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
		default:
			return "", false
		}
	}
	return "", false
}
