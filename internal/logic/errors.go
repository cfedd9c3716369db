package logic

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRule         = errors.New("invalid rule")
	ErrDuplicateRule       = errors.New("duplicate rule label")
	ErrRecursiveNegation   = errors.New("rules recurse through negation")
	ErrUnboundConclusion   = errors.New("conclusion variable is not bound by the condition")
	ErrConclusionVarInWhen = errors.New("generated conclusion variable is used by the condition")
)

// InvalidRuleError reports why a rule was rejected.
type InvalidRuleError struct {
	Label string
	Cause error
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("rule '%s' is invalid: %s", e.Label, e.Cause)
}

func (e *InvalidRuleError) Unwrap() []error {
	return []error{ErrInvalidRule, e.Cause}
}
