package script

import (
	"errors"
	"fmt"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

var (
	ErrForbidden = errors.New("forbidden construct")
	ErrNoResult  = errors.New("script never assigns result")
)

const ResultVar = "result"

// AllowedModules lists what load() may name.
var AllowedModules = map[string]bool{
	"re":          true,
	"math":        true,
	"datetime":    true,
	"random":      true,
	"json":        true,
	"collections": true,
}

var _bannedIdents = map[string]bool{
	"open":       true,
	"exec":       true,
	"eval":       true,
	"__import__": true,
	"os":         true,
	"sys":        true,
	"subprocess": true,
}

var _fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Program is a compiled predicate. Runtime failures are counted per program.
type Program struct {
	Name   string
	Source string

	prog *starlark.Program

	mu        sync.Mutex
	errors    int
	streak    int
	evaluated int
}

// Compile parses and checks src and resolves it against the sandbox namespace. Any error means
// the script must not be saved.
func Compile(name, src string) (*Program, error) {
	f, err := _fileOptions.Parse(name, src, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: can't parse script %s", err, name)
	}
	if err := check(f); err != nil {
		return nil, fmt.Errorf("%w: script %s", err, name)
	}
	prog, err := starlark.FileProgram(f, isPredeclared)
	if err != nil {
		return nil, fmt.Errorf("%w: can't compile script %s", err, name)
	}
	return &Program{Name: name, Source: src, prog: prog}, nil
}

func check(f *syntax.File) error {
	var (
		err       error
		hasResult bool
	)
	var visit func(n syntax.Node) bool
	visit = func(n syntax.Node) bool {
		if err != nil {
			return false
		}
		switch n := n.(type) {
		case *syntax.DotExpr:
			// attribute names such as chart.open are not references
			syntax.Walk(n.X, visit)
			return false
		case *syntax.WhileStmt:
			err = fmt.Errorf("%w: while loop", ErrForbidden)
		case *syntax.LoadStmt:
			if module := n.ModuleName(); !AllowedModules[module] {
				err = fmt.Errorf("%w: load of %q", ErrForbidden, module)
			}
		case *syntax.Ident:
			if _bannedIdents[n.Name] {
				err = fmt.Errorf("%w: reference to %s", ErrForbidden, n.Name)
			}
		case *syntax.AssignStmt:
			if assigns(n.LHS, ResultVar) {
				hasResult = true
			}
		}
		return err == nil
	}
	syntax.Walk(f, visit)
	if err != nil {
		return err
	}
	if !hasResult {
		return ErrNoResult
	}
	return nil
}

func assigns(lhs syntax.Expr, name string) bool {
	switch e := lhs.(type) {
	case *syntax.Ident:
		return e.Name == name
	case *syntax.TupleExpr:
		for _, x := range e.List {
			if assigns(x, name) {
				return true
			}
		}
	case *syntax.ListExpr:
		for _, x := range e.List {
			if assigns(x, name) {
				return true
			}
		}
	case *syntax.ParenExpr:
		return assigns(e.X, name)
	}
	return false
}

// Stats is the error bookkeeping of a program.
type Stats struct {
	Evaluated int  `json:"evaluated"`
	Errors    int  `json:"errors"`
	Streak    int  `json:"streak"`
	Flagged   bool `json:"flagged"`
}

func (p *Program) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Evaluated: p.evaluated, Errors: p.errors, Streak: p.streak, Flagged: p.streak >= FlagAfter}
}

func (p *Program) Flagged() bool {
	return p.Stats().Flagged
}

// record updates counters and reports whether this call made the program flagged.
func (p *Program) record(failed bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluated++
	if !failed {
		p.streak = 0
		return false
	}
	p.errors++
	p.streak++
	return p.streak == FlagAfter
}
