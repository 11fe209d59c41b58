// Package rules rewrites text with deterministic substitutions loaded from
// a rules file. Rules under [heard] apply to what the user said; rules
// under [spoken] apply to assistant text before synthesis. Lines before
// any section header belong to [heard].
package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotStable is returned when rules keep changing the text after the
// loop limit. The partially rewritten text is returned with it.
var ErrNotStable = errors.New("rules did not converge")

const DefaultLoopLimit = 30

// Section names a rule group.
type Section string

const (
	SectionHeard  Section = "heard"
	SectionSpoken Section = "spoken"
)

// Engine implements ports.RulesEngine.
type Engine struct {
	sections  map[Section]ruleSet
	loopLimit int
}

// NewEngine loads rules from path. A missing or empty path yields an
// engine that returns text unchanged.
func NewEngine(path string, loopLimit int) (*Engine, error) {
	return NewEngineWithParsers(path, loopLimit, defaultRuleParsers())
}

// NewEngineWithParsers allows extra rule syntaxes without engine changes.
func NewEngineWithParsers(path string, loopLimit int, parsers []RuleParser) (*Engine, error) {
	if loopLimit <= 0 {
		loopLimit = DefaultLoopLimit
	}
	if len(parsers) == 0 {
		parsers = defaultRuleParsers()
	}
	engine := &Engine{sections: map[Section]ruleSet{}, loopLimit: loopLimit}

	if strings.TrimSpace(path) == "" {
		return engine, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return engine, nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}

	sections, err := parseSections(string(contents), parsers)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %q: %w", path, err)
	}
	engine.sections = sections
	return engine, nil
}

// Heard rewrites a final user utterance.
func (e *Engine) Heard(text string) (string, error) {
	return e.apply(SectionHeard, text)
}

// Spoken rewrites assistant text before it is synthesized.
func (e *Engine) Spoken(text string) (string, error) {
	return e.apply(SectionSpoken, text)
}

// Count returns the number of rules in a section.
func (e *Engine) Count(section Section) int {
	return len(e.sections[section])
}

func (e *Engine) apply(section Section, text string) (string, error) {
	set := e.sections[section]
	if len(set) == 0 {
		return text, nil
	}

	result := text
	for range e.loopLimit {
		next, changed := set.apply(result)
		if !changed {
			return result, nil
		}
		result = next
	}
	return result, fmt.Errorf("%w: [%s] after %d passes", ErrNotStable, section, e.loopLimit)
}

type ruleSet []compiledRule

// apply runs every rule once, in file order.
func (s ruleSet) apply(text string) (string, bool) {
	changed := false
	for _, rule := range s {
		if next, ok := rule.Apply(text); ok {
			text, changed = next, true
		}
	}
	return text, changed
}

// parseSections splits contents into sections and compiles each rule line.
func parseSections(contents string, parsers []RuleParser) (map[Section]ruleSet, error) {
	sections := map[Section]ruleSet{}
	current := SectionHeard

	for index, raw := range strings.Split(contents, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := Section(strings.ToLower(strings.TrimSpace(line[1 : len(line)-1])))
			if name != SectionHeard && name != SectionSpoken {
				return nil, fmt.Errorf("line %d: unknown section %q", index+1, name)
			}
			current = name
			continue
		}

		rule, err := parseLine(line, parsers)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		sections[current] = append(sections[current], rule)
	}
	return sections, nil
}

func parseLine(line string, parsers []RuleParser) (compiledRule, error) {
	for _, parser := range parsers {
		if parser.CanParse(line) {
			return parser.Parse(line)
		}
	}
	return nil, errors.New("unsupported rule format")
}
