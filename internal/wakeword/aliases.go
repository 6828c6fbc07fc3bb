package wakeword

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
)

const maxAliasPasses = 30

// Aliases rewrites what the recognizer heard into what the speaker meant
// before phrase matching. Each non-comment line of an aliases file is either
// a literal "heard => meant" pair or a sed-style "s/pattern/replacement/flags"
// expression. Literal sources match case-insensitively.
type Aliases struct {
	rules []aliasRule
}

type aliasRule interface {
	rewrite(text string) (string, bool)
}

// LoadAliases reads an aliases file. A missing file yields no aliases.
func LoadAliases(path string) (*Aliases, error) {
	if strings.TrimSpace(path) == "" {
		return &Aliases{}, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Aliases{}, nil
		}
		return nil, fmt.Errorf("failed to read aliases file %q: %w", path, err)
	}
	aliases, err := ParseAliases(string(contents))
	if err != nil {
		return nil, fmt.Errorf("failed to parse aliases file %q: %w", path, err)
	}
	return aliases, nil
}

// ParseAliases compiles aliases from text.
func ParseAliases(text string) (*Aliases, error) {
	var rules []aliasRule
	for index, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var (
			rule aliasRule
			err  error
		)
		switch {
		case isExpression(line):
			rule, err = parseExpression(line)
		case strings.Contains(line, "=>"):
			rule, err = parseLiteral(line)
		default:
			err = errors.New("expected \"heard => meant\" or s/pattern/replacement/")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		rules = append(rules, rule)
	}
	return &Aliases{rules: rules}, nil
}

// Rewrite applies every alias until the text stops changing.
func (a *Aliases) Rewrite(text string) string {
	if a == nil || len(a.rules) == 0 {
		return text
	}
	for range maxAliasPasses {
		changed := false
		for _, rule := range a.rules {
			if next, ok := rule.rewrite(text); ok {
				text = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return text
}

type literalAlias struct {
	heard *regexp.Regexp
	meant string
}

func parseLiteral(line string) (aliasRule, error) {
	heard, meant, _ := strings.Cut(line, "=>")
	heard = strings.TrimSpace(heard)
	if heard == "" {
		return nil, errors.New("alias source cannot be empty")
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(heard))
	if err != nil {
		return nil, fmt.Errorf("invalid alias source: %w", err)
	}
	return literalAlias{heard: re, meant: strings.TrimSpace(meant)}, nil
}

func (r literalAlias) rewrite(text string) (string, bool) {
	out := r.heard.ReplaceAllLiteralString(text, r.meant)
	return out, out != text
}

type expressionAlias struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func parseExpression(line string) (aliasRule, error) {
	delim := line[1]
	pattern, next, err := readDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	replacement, next, err := readDelimited(line, next, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid replacement: %w", err)
	}

	global := false
	inline := "i"
	for _, flag := range strings.TrimSpace(line[next:]) {
		switch flag {
		case 'g':
			global = true
		case 'i':
		case 'm', 's':
			if !strings.ContainsRune(inline, flag) {
				inline += string(flag)
			}
		default:
			return nil, fmt.Errorf("unsupported flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + inline + ")" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return expressionAlias{re: re, replacement: replacement, global: global}, nil
}

func (r expressionAlias) rewrite(text string) (string, bool) {
	if r.global {
		out := r.re.ReplaceAllString(text, r.replacement)
		return out, out != text
	}
	loc := r.re.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, false
	}
	replaced := r.re.ExpandString(nil, r.replacement, text, loc)
	out := text[:loc[0]] + string(replaced) + text[loc[1]:]
	return out, out != text
}

// readDelimited returns the text up to the next unescaped delim. Escapes are
// kept so the regexp package sees them.
func readDelimited(line string, start int, delim byte) (string, int, error) {
	var b strings.Builder
	escaped := false
	for i := start; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == delim:
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
	}
	return "", 0, errors.New("unterminated expression")
}

func isExpression(line string) bool {
	if len(line) < 2 || line[0] != 's' {
		return false
	}
	d := rune(line[1])
	return !unicode.IsLetter(d) && !unicode.IsDigit(d) && !unicode.IsSpace(d)
}

// normalize lowercases text and reduces it to space-separated words.
func normalize(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, " ")
}
