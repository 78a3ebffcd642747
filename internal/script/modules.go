package script

import (
	"fmt"
	"math/rand"
	"regexp"
	"sync"

	"go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

type modules struct {
	mu  sync.Mutex
	rnd *rand.Rand

	reMu  sync.Mutex
	regex map[string]*regexp.Regexp

	byName map[string]*starlarkstruct.Module
}

func newModules(seed int64) *modules {
	m := &modules{
		rnd:   rand.New(rand.NewSource(seed)),
		regex: make(map[string]*regexp.Regexp),
	}
	m.byName = map[string]*starlarkstruct.Module{
		"math":        starlarkmath.Module,
		"json":        json.Module,
		"datetime":    starlarktime.Module,
		"random":      m.randomModule(),
		"re":          m.reModule(),
		"collections": collectionsModule(),
	}
	return m
}

// load resolves load("name", ...) to the module members plus the module itself under its name.
func (m *modules) load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	mod, ok := m.byName[module]
	if !ok || !AllowedModules[module] {
		return nil, fmt.Errorf("%w: module %q", ErrForbidden, module)
	}
	out := make(starlark.StringDict, len(mod.Members)+1)
	for k, v := range mod.Members {
		out[k] = v
	}
	out[module] = mod
	return out, nil
}

func (m *modules) randomModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "random",
		Members: starlark.StringDict{
			"random": starlark.NewBuiltin("random", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
				m.mu.Lock()
				defer m.mu.Unlock()
				return starlark.Float(m.rnd.Float64()), nil
			}),
			"randint": starlark.NewBuiltin("randint", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var lo, hi int
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &lo, "b", &hi); err != nil {
					return nil, err
				}
				if hi < lo {
					return nil, fmt.Errorf("randint: empty range %d..%d", lo, hi)
				}
				m.mu.Lock()
				defer m.mu.Unlock()
				return starlark.MakeInt(lo + m.rnd.Intn(hi-lo+1)), nil
			}),
			"uniform": starlark.NewBuiltin("uniform", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var a, c starlark.Value
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &a, "b", &c); err != nil {
					return nil, err
				}
				lo, err := number(b.Name(), a)
				if err != nil {
					return nil, err
				}
				hi, err := number(b.Name(), c)
				if err != nil {
					return nil, err
				}
				m.mu.Lock()
				defer m.mu.Unlock()
				return starlark.Float(lo + (hi-lo)*m.rnd.Float64()), nil
			}),
			"choice": starlark.NewBuiltin("choice", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var seq starlark.Indexable
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "seq", &seq); err != nil {
					return nil, err
				}
				if seq.Len() == 0 {
					return nil, fmt.Errorf("choice: empty sequence")
				}
				m.mu.Lock()
				defer m.mu.Unlock()
				return seq.Index(m.rnd.Intn(seq.Len())), nil
			}),
		},
	}
}

func (m *modules) compile(pattern string) (*regexp.Regexp, error) {
	m.reMu.Lock()
	defer m.reMu.Unlock()
	if re, ok := m.regex[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	m.regex[pattern] = re
	return re, nil
}

func (m *modules) reModule() *starlarkstruct.Module {
	find := func(anchored bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern, s string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s); err != nil {
				return nil, err
			}
			re, err := m.compile(pattern)
			if err != nil {
				return nil, err
			}
			loc := re.FindStringIndex(s)
			if loc == nil || (anchored && loc[0] != 0) {
				return starlark.None, nil
			}
			return starlark.String(s[loc[0]:loc[1]]), nil
		}
	}
	return &starlarkstruct.Module{
		Name: "re",
		Members: starlark.StringDict{
			"search": starlark.NewBuiltin("search", find(false)),
			"match":  starlark.NewBuiltin("match", find(true)),
			"findall": starlark.NewBuiltin("findall", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var pattern, s string
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s); err != nil {
					return nil, err
				}
				re, err := m.compile(pattern)
				if err != nil {
					return nil, err
				}
				found := re.FindAllString(s, -1)
				elems := make([]starlark.Value, len(found))
				for i, f := range found {
					elems[i] = starlark.String(f)
				}
				return starlark.NewList(elems), nil
			}),
		},
	}
}

func collectionsModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "collections",
		Members: starlark.StringDict{
			"OrderedDict": starlark.Universe["dict"],
			"Counter": starlark.NewBuiltin("Counter", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var items starlark.Iterable
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &items); err != nil {
					return nil, err
				}
				counts := starlark.NewDict(8)
				iter := items.Iterate()
				defer iter.Done()
				var x starlark.Value
				for iter.Next(&x) {
					prev, found, err := counts.Get(x)
					if err != nil {
						return nil, err
					}
					n := starlark.MakeInt(1)
					if found {
						n = prev.(starlark.Int).Add(n)
					}
					if err := counts.SetKey(x, n); err != nil {
						return nil, err
					}
				}
				return counts, nil
			}),
		},
	}
}
