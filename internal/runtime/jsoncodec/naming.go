package jsoncodec

import (
	"fmt"
	"strings"
	"unicode"
)

// NamingPolicy renames struct fields and dictionary keys on the wire. The zero
// value keeps Go's default names.
type NamingPolicy string

const (
	NamingDefault NamingPolicy = ""
	NamingCamel   NamingPolicy = "camel"
	NamingPascal  NamingPolicy = "pascal"
	NamingSnake   NamingPolicy = "snake"
	NamingKebab   NamingPolicy = "kebab"
	NamingLower   NamingPolicy = "lower"
)

// ParseNamingPolicy accepts the configuration spelling of a policy.
func ParseNamingPolicy(raw string) (NamingPolicy, error) {
	switch p := NamingPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case NamingDefault, NamingCamel, NamingPascal, NamingSnake, NamingKebab, NamingLower:
		return p, nil
	case "camelcase":
		return NamingCamel, nil
	case "pascalcase":
		return NamingPascal, nil
	case "snake_case", "snakecase":
		return NamingSnake, nil
	case "kebab-case", "kebabcase":
		return NamingKebab, nil
	default:
		return "", fmt.Errorf("jsoncodec: unknown naming policy %q", raw)
	}
}

// Apply converts name according to the policy.
func (p NamingPolicy) Apply(name string) string {
	if p == NamingDefault || name == "" {
		return name
	}
	if p == NamingLower {
		return strings.ToLower(name)
	}

	words := splitWords(name)
	if len(words) == 0 {
		return name
	}

	switch p {
	case NamingCamel:
		words[0] = strings.ToLower(words[0])
		return strings.Join(words, "")
	case NamingPascal:
		for i, w := range words {
			words[i] = upperFirst(w)
		}
		return strings.Join(words, "")
	case NamingSnake:
		return strings.ToLower(strings.Join(words, "_"))
	case NamingKebab:
		return strings.ToLower(strings.Join(words, "-"))
	}
	return name
}

// splitWords breaks identifiers such as "OrderID", "HTTPServer" or
// "order_total" into words.
func splitWords(s string) []string {
	var (
		words []string
		cur   []rune
	)
	runes := []rune(s)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}

	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ' || r == '.':
			flush()
			continue
		case unicode.IsUpper(r) && len(cur) > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
