// Package rules classifies bearer capability reports through operator-defined
// expressions. Providers use a Classifier to answer suitability and
// preference queries; the defaults reproduce the stock behaviour (suitable
// unless suspended, preferred when WLAN-backed).
package rules

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/timzifer/netlease/provider"
)

const (
	// DefaultSuitable accepts every bearer that is not suspended.
	DefaultSuitable = "!suspended"
	// DefaultPreferred prefers bearers backed by the wlan transport.
	DefaultPreferred = `has("wlan")`
)

// Classifier evaluates compiled suitability and preference rules against
// bearer capability snapshots. Safe for concurrent use.
type Classifier struct {
	suitable  *vm.Program
	preferred *vm.Program
}

// NewClassifier compiles the given expressions. Empty strings select the
// package defaults.
func NewClassifier(suitable, preferred string) (*Classifier, error) {
	if suitable == "" {
		suitable = DefaultSuitable
	}
	if preferred == "" {
		preferred = DefaultPreferred
	}
	suitableProg, err := compileRule(suitable)
	if err != nil {
		return nil, fmt.Errorf("suitable rule: %w", err)
	}
	preferredProg, err := compileRule(preferred)
	if err != nil {
		return nil, fmt.Errorf("preferred rule: %w", err)
	}
	return &Classifier{suitable: suitableProg, preferred: preferredProg}, nil
}

func compileRule(source string) (*vm.Program, error) {
	return expr.Compile(source, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
}

func ruleEnv(caps provider.Capabilities) map[string]interface{} {
	transports := make([]interface{}, 0, len(caps.Transports))
	for _, t := range caps.Transports {
		transports = append(transports, t)
	}
	return map[string]interface{}{
		"suspended":  caps.Suspended,
		"metered":    caps.Metered,
		"name":       caps.Name,
		"transports": transports,
		"has": func(transport string) bool {
			return caps.Has(transport)
		},
	}
}

func runRule(program *vm.Program, caps provider.Capabilities) (bool, error) {
	result, err := expr.Run(program, ruleEnv(caps))
	if err != nil {
		return false, err
	}
	value, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("rule result is %T, expected bool", result)
	}
	return value, nil
}

// Suitable evaluates the suitability rule for the snapshot.
func (c *Classifier) Suitable(caps provider.Capabilities) (bool, error) {
	if c == nil || c.suitable == nil {
		return !caps.Suspended, nil
	}
	return runRule(c.suitable, caps)
}

// Preferred evaluates the preference rule for the snapshot.
func (c *Classifier) Preferred(caps provider.Capabilities) (bool, error) {
	if c == nil || c.preferred == nil {
		return caps.Has("wlan"), nil
	}
	return runRule(c.preferred, caps)
}

// Classify evaluates both rules and assembles a provider.Info.
func (c *Classifier) Classify(caps provider.Capabilities) (provider.Info, error) {
	suitable, err := c.Suitable(caps)
	if err != nil {
		return provider.Info{}, err
	}
	preferred, err := c.Preferred(caps)
	if err != nil {
		return provider.Info{}, err
	}
	return provider.Info{Suitable: suitable, Preferred: preferred, Name: caps.Name}, nil
}
