package scrape

import (
	"strings"
	"unicode"
)

var turkishFold = strings.NewReplacer(
	"ç", "c", "ğ", "g", "ı", "i", "ö", "o", "ş", "s", "ü", "u",
	"\u0307", "",
)

// cleanText collapses runs of whitespace into single spaces.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cleanEmail(s string) string {
	s = cleanText(s)
	return strings.ReplaceAll(s, "[at]", "@")
}

// inlineImage keeps only data: URIs; remote image links are not stored.
func inlineImage(src string) string {
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "data:") {
		return src
	}
	return ""
}

// normalizeKey turns a sidebar label such as "Yönetilen Tezler" into
// "yonetilen_tezler".
func normalizeKey(label string) string {
	lower := strings.ToLower(cleanText(label))
	lower = turkishFold.Replace(lower)
	return strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '_'
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
			return r
		default:
			return -1
		}
	}, lower)
}

// splitLines trims every line and drops blank ones.
func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = cleanText(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
