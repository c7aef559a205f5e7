package strategy

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// LanguageDSL 是唯一支持的规则语言标识。
const LanguageDSL = "expression-dsl"

type resultKind int

const (
	resultBool resultKind = iota
	resultNumber
)

// Program 为编译后的无副作用表达式。
type Program struct {
	source  string
	kind    resultKind
	program *vm.Program
}

func (p *Program) Source() string { return p.source }

// CompileBool 编译返回布尔值的表达式（entry/no_entry/exit/条件）。
func CompileBool(src string) (*Program, error) {
	return compile(src, resultBool)
}

// CompileNumber 编译返回数值的表达式（update_stop）。
func CompileNumber(src string) (*Program, error) {
	return compile(src, resultNumber)
}

func compile(src string, kind resultKind) (*Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	opts := []expr.Option{expr.Env(Env{})}
	switch kind {
	case resultBool:
		opts = append(opts, expr.AsBool())
	case resultNumber:
		opts = append(opts, expr.AsFloat64())
	}
	prog, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return &Program{source: src, kind: kind, program: prog}, nil
}

// Bool 在 env 上求值。
func (p *Program) Bool(env Env) (bool, error) {
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", p.source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: expected bool, got %T", p.source, out)
	}
	return b, nil
}

// Number 在 env 上求值。
func (p *Program) Number(env Env) (float64, error) {
	out, err := expr.Run(p.program, env)
	if err != nil {
		return 0, fmt.Errorf("eval %q: %w", p.source, err)
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("eval %q: expected number, got %T", p.source, out)
	}
}
