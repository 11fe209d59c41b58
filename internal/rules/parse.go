package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type compiledRule interface {
	Apply(input string) (output string, changed bool)
}

// RuleParser parses one line into a compiled rule.
type RuleParser interface {
	CanParse(line string) bool
	Parse(line string) (compiledRule, error)
}

func defaultRuleParsers() []RuleParser {
	return []RuleParser{sedRuleParser{}, literalRuleParser{}}
}

type literalRuleParser struct{}

func (literalRuleParser) CanParse(line string) bool               { return strings.Contains(line, "=>") }
func (literalRuleParser) Parse(line string) (compiledRule, error) { return parseLiteralRule(line) }

type sedRuleParser struct{}

func (sedRuleParser) CanParse(line string) bool               { return looksLikeRegexRule(line) }
func (sedRuleParser) Parse(line string) (compiledRule, error) { return parseRegexRule(line) }

// substitution is the compiled form of both rule syntaxes.
type substitution struct {
	re          *regexp.Regexp
	replacement string
	// literal replacements are inserted verbatim, without $ expansion.
	literal bool
	global  bool
}

// parseLiteralRule compiles "from => to". Matching ignores case, and a
// source that starts or ends with a letter or digit only matches on word
// boundaries, so "km => kilometers" leaves "kmart" alone.
func parseLiteralRule(line string) (compiledRule, error) {
	from, to, ok := strings.Cut(line, "=>")
	if !ok {
		return nil, errors.New("invalid literal rule")
	}
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" {
		return nil, errors.New("literal rule source cannot be empty")
	}

	pattern := regexp.QuoteMeta(from)
	if first, _ := utf8.DecodeRuneInString(from); isWordRune(first) {
		pattern = `\b` + pattern
	}
	if last, _ := utf8.DecodeLastRuneInString(from); isWordRune(last) {
		pattern += `\b`
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid literal source: %w", err)
	}
	return substitution{re: re, replacement: to, literal: true, global: true}, nil
}

// parseRegexRule compiles sed-style "s/pattern/replacement/flags". Any
// non-alphanumeric delimiter works. Matching is always case-insensitive;
// flags m and s toggle multi-line and dot-all, g replaces every match.
func parseRegexRule(line string) (compiledRule, error) {
	if len(line) < 2 {
		return nil, errors.New("invalid regex rule")
	}
	delim := line[1]
	if isAlphaNumericOrSpace(delim) {
		return nil, errors.New("regex delimiter must be non-alphanumeric")
	}

	scan := delimitedScanner{line: line, pos: 2, delim: delim}
	pattern, err := scan.next(true)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	if pattern == "" {
		return nil, errors.New("regex pattern cannot be empty")
	}
	replacement, err := scan.next(false)
	if err != nil {
		return nil, fmt.Errorf("invalid regex replacement: %w", err)
	}

	inline := "i"
	global := false
	for _, flag := range strings.TrimSpace(scan.rest()) {
		switch flag {
		case 'i':
		case 'm', 's':
			if !strings.ContainsRune(inline, flag) {
				inline += string(flag)
			}
		case 'g':
			global = true
		case ' ':
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + inline + ")" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return substitution{re: re, replacement: replacement, global: global}, nil
}

// Apply replaces the first match, or every match for global rules.
func (r substitution) Apply(input string) (string, bool) {
	var output string
	switch {
	case r.global && r.literal:
		output = r.re.ReplaceAllLiteralString(input, r.replacement)
	case r.global:
		output = r.re.ReplaceAllString(input, r.replacement)
	default:
		loc := r.re.FindStringSubmatchIndex(input)
		if loc == nil {
			return input, false
		}
		expanded := r.re.ExpandString(nil, r.replacement, input, loc)
		output = input[:loc[0]] + string(expanded) + input[loc[1]:]
	}
	return output, output != input
}

// delimitedScanner reads delimiter-terminated sections of a sed expression.
// A backslash keeps the next byte, including the delimiter, in the section.
// Patterns keep the backslash since an escaped punctuation byte is still
// valid regexp syntax; replacements drop it before the delimiter.
type delimitedScanner struct {
	line  string
	pos   int
	delim byte
}

func (s *delimitedScanner) next(keepEscapes bool) (string, error) {
	if s.pos >= len(s.line) {
		return "", errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	for index := s.pos; index < len(s.line); index++ {
		char := s.line[index]
		switch {
		case char == '\\' && index+1 < len(s.line):
			next := s.line[index+1]
			if keepEscapes || next != s.delim {
				builder.WriteByte(char)
			}
			builder.WriteByte(next)
			index++
		case char == s.delim:
			s.pos = index + 1
			return builder.String(), nil
		default:
			builder.WriteByte(char)
		}
	}
	return "", errors.New("unterminated expression")
}

func (s *delimitedScanner) rest() string {
	if s.pos >= len(s.line) {
		return ""
	}
	return s.line[s.pos:]
}

// isWordRune matches regexp's ASCII-only \b.
func isWordRune(r rune) bool {
	return r < unicode.MaxASCII && (r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
}

func isAlphaNumericOrSpace(char byte) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == ' ' || char == '\t'
}

func looksLikeRegexRule(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isAlphaNumericOrSpace(line[1])
}
