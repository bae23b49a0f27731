// Package cel provides a CEL-based evaluator for optional session key
// grant conditions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/keywarden/keywarden/internal/domain/sessionkey"
)

// maxExpressionLength caps condition size to keep hostile grants cheap.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth caps parenthesis/bracket nesting in an expression.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations)
// context cancellation is checked during evaluation.
const interruptCheckFreq = 100

// ErrExpressionTooLong is returned for conditions above the length cap.
var ErrExpressionTooLong = errors.New("condition expression too long")

// Evaluator compiles and evaluates grant condition expressions.
// Compiled programs are cached per expression: a key's condition is
// fixed at grant time, so the cache hit rate is effectively 100% after
// the first authorization.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEnvironment creates a CEL environment exposing the
// variables available to grant conditions:
//
//	account    string     owning account identity
//	key        string     session key identity
//	target     string     operation counter-party
//	value      double     operation value (approximate; exact caps are
//	                      enforced by the limit checks, not conditions)
//	used_today double     budget consumed in the current day window
//	now        timestamp  evaluation time
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("account", cel.StringType),
		cel.Variable("key", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("used_today", cel.DoubleType),
		cel.Variable("now", cel.TimestampType),
	)
}

// NewEvaluator creates a condition evaluator with the standard
// environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create condition environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// CompileCondition parses and type-checks an expression. The engine
// calls it at grant time so malformed conditions never reach storage.
func (e *Evaluator) CompileCondition(expression string) error {
	_, err := e.program(expression)
	return err
}

// EvalCondition evaluates a key's condition against a request. The
// engine treats any error as a denial (fail closed).
func (e *Evaluator) EvalCondition(condition string, key *sessionkey.SessionKey, req sessionkey.Request) (bool, error) {
	prg, err := e.program(condition)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	out, _, err := prg.ContextEval(ctx, map[string]any{
		"account":    key.AccountID,
		"key":        key.KeyID,
		"target":     req.Target,
		"value":      approxFloat(req.Value),
		"used_today": approxFloat(key.EffectiveUsedToday(req.Now)),
		"now":        req.Now,
	})
	if err != nil {
		return false, fmt.Errorf("condition evaluation: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out.Value())
	}
	return result, nil
}

// program returns the cached compiled program for an expression,
// compiling and caching on first use.
func (e *Evaluator) program(expression string) (cel.Program, error) {
	if len(expression) > maxExpressionLength {
		return nil, ErrExpressionTooLong
	}
	if err := validateNesting(expression); err != nil {
		return nil, err
	}

	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// validateNesting caps parenthesis/bracket/brace nesting depth.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// approxFloat converts a big.Int to float64 for CEL comparisons.
func approxFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
