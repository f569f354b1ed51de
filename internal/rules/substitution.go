package rules

import (
	"fmt"
	"regexp"
	"strings"

	"notivox/internal/config"
	"notivox/pkg/logx"
)

// substitution is one compiled text-replacement rule.
type substitution struct {
	plain       string
	re          *regexp.Regexp
	replacement string
}

// compileSubstitutions turns raw rules into appliers. Malformed regex rules
// are skipped and logged, the rest keep working.
func compileSubstitutions(raw []config.SubstitutionRule, log logx.Logger) []substitution {
	out := make([]substitution, 0, len(raw))
	for i, r := range raw {
		s, err := compileSubstitution(r)
		if err != nil {
			log.Warn("skipping malformed substitution rule",
				logx.Int("index", i),
				logx.String("pattern", r.Pattern),
				logx.Err(err))
			continue
		}
		out = append(out, s)
	}
	return out
}

func compileSubstitution(r config.SubstitutionRule) (substitution, error) {
	if r.Pattern == "" {
		return substitution{}, fmt.Errorf("substitution needs a pattern")
	}
	if !r.Regex {
		return substitution{plain: r.Pattern, replacement: r.Replacement}, nil
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return substitution{}, fmt.Errorf("pattern %q: %w", r.Pattern, err)
	}
	return substitution{re: re, replacement: r.Replacement}, nil
}

func (s substitution) apply(text string) string {
	if s.re != nil {
		return s.re.ReplaceAllString(text, s.replacement)
	}
	return strings.ReplaceAll(text, s.plain, s.replacement)
}

// applyAll runs every substitution over text, in rule order.
func applyAll(subs []substitution, text string) string {
	for _, s := range subs {
		text = s.apply(text)
	}
	return text
}
