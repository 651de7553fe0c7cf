package service

import (
	"regexp"
	"strings"

	"git.home.luguber.info/inful/prbuild/internal/config"
)

// valueCharset is the allowed value alphabet of description parameters.
const valueCharset = `ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789,-+_:.*/\`

// Parameter is one compiled description parameter: a name filter matched
// against `name=value` occurrences and the build property it populates.
type Parameter struct {
	Property string
	re       *regexp.Regexp
}

// CompileParameter compiles the configured name filter into a matcher. The
// value runs to the first whitespace or backtick; it is validated separately
// so a malformed value rejects the parameter instead of truncating it.
func CompileParameter(p config.Parameter) (*Parameter, error) {
	re, err := regexp.Compile(`(?:` + p.NameFilter + `)=([^ \t\r\n` + "`" + `]*)`)
	if err != nil {
		return nil, err
	}
	return &Parameter{Property: p.Property, re: re}, nil
}

// Extract returns the parameter value found in description. Values with
// characters outside the allowed alphabet, or escapes of a non-word
// character, yield no match.
func (p *Parameter) Extract(description string) (string, bool) {
	if description == "" {
		return "", false
	}
	m := p.re.FindStringSubmatch(description)
	if m == nil {
		return "", false
	}
	value := m[1]
	if value == "" || !validValue(value) {
		return "", false
	}
	return value, true
}

func validValue(value string) bool {
	for i := 0; i < len(value); i++ {
		c := value[i]
		if !strings.ContainsRune(valueCharset, rune(c)) {
			return false
		}
		if c != '\\' {
			continue
		}
		// A backslash may only introduce a character-class style escape
		// (\w, \d, ...), never hide a special character.
		if i+1 >= len(value) {
			return false
		}
		next := value[i+1]
		isWord := next == '_' ||
			(next >= 'a' && next <= 'z') || (next >= 'A' && next <= 'Z') ||
			(next >= '0' && next <= '9')
		if !isWord {
			return false
		}
		i++
	}
	return true
}
