package consent

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultRule allows identity resolution whenever the visitor can hold the
// identity cookie.
const DefaultRule = "cookiesEnabled"

// Facts are the inputs a consent rule can see.
type Facts struct {
	// CookiesEnabled reports whether the visitor's blob can be read or written.
	CookiesEnabled bool `expr:"cookiesEnabled"`
	// OptedIn carries an explicit consent signal from the embedding page.
	OptedIn bool `expr:"optedIn"`
	// GlobalPrivacyControl is set when the client sent Sec-GPC: 1.
	GlobalPrivacyControl bool `expr:"gpc"`
	// DoNotTrack is set when the client sent DNT: 1.
	DoNotTrack bool `expr:"dnt"`
	Org        string `expr:"org"`
}

// Gate decides whether identity resolution is allowed for a visitor. Rules
// are expr-lang boolean expressions over Facts, e.g.
// `cookiesEnabled && !gpc`.
type Gate struct {
	rule    string
	program *vm.Program
}

// NewGate compiles rule. An empty rule selects DefaultRule.
func NewGate(rule string) (*Gate, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		rule = DefaultRule
	}
	program, err := expr.Compile(rule, expr.Env(Facts{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile consent rule %q: %w", rule, err)
	}
	return &Gate{rule: rule, program: program}, nil
}

// MustGate is NewGate for rules known at compile time.
func MustGate(rule string) *Gate {
	g, err := NewGate(rule)
	if err != nil {
		panic(err)
	}
	return g
}

// Allowed evaluates the rule. Evaluation errors deny.
func (g *Gate) Allowed(facts Facts) bool {
	if g == nil {
		return facts.CookiesEnabled
	}
	out, err := expr.Run(g.program, facts)
	if err != nil {
		return false
	}
	allowed, ok := out.(bool)
	return ok && allowed
}

func (g *Gate) Rule() string {
	if g == nil {
		return DefaultRule
	}
	return g.rule
}
