package logspec

import (
	"fmt"
	"strconv"
	"strings"
)

// Version identifies this package's parser-definition compatibility
// level. A version string is "major.middle.minor": major changes mean
// a different interface or output shape, middle changes mean the set
// of registered states/transition functions changed, minor changes are
// cosmetic. External parser definitions declare the version they were
// written against; CheckVersion rejects one whose major component
// differs rather than silently loading an incompatible graph.
const Version = "1.0.0"

// CheckVersion compares defsVersion (as found in a loaded ParserDefs
// file) against Version and returns an error if their major
// components differ.
func CheckVersion(defsVersion string) error {
	want := strings.Split(Version, ".")
	got := strings.Split(defsVersion, ".")
	if len(want) != 3 || len(got) != 3 {
		return fmt.Errorf("logspec: malformed version string %q", defsVersion)
	}
	wantMajor, err1 := strconv.Atoi(want[0])
	gotMajor, err2 := strconv.Atoi(got[0])
	if err1 != nil || err2 != nil {
		return fmt.Errorf("logspec: malformed version string %q", defsVersion)
	}
	if wantMajor != gotMajor {
		return fmt.Errorf("logspec: parser definitions version %q may not be supported by logspec version %q", defsVersion, Version)
	}
	return nil
}

// Registry holds the named states and transition functions a parser
// definition can reference, mirroring the source parser's dynamically
// loaded state/transition-function modules — except here every state
// and transition function is registered at package init time instead of
// being imported by name, since Go has no runtime module loader.
type Registry struct {
	states      map[string]*State
	transitions map[string]TransitionFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		states:      make(map[string]*State),
		transitions: make(map[string]TransitionFunc),
	}
}

// DefaultRegistry is populated by this package's init functions with
// every built-in state and transition function (kbuild, linux_kernel,
// test_baseline, common). Callers assembling a custom parser graph can
// build their own Registry instead.
var DefaultRegistry = NewRegistry()

// RegisterState adds a State under "module.name". It panics if that
// name is already registered, matching the source loader's
// fail-fast-on-duplicate behavior (a programmer error, not a runtime
// condition to recover from).
func (r *Registry) RegisterState(module, name string, state *State) {
	key := module + "." + name
	if _, exists := r.states[key]; exists {
		panic(fmt.Sprintf("logspec: state %q already registered", key))
	}
	r.states[key] = state
}

// RegisterTransition adds a transition function under "module.name".
func (r *Registry) RegisterTransition(module, name string, fn TransitionFunc) {
	key := module + "." + name
	if _, exists := r.transitions[key]; exists {
		panic(fmt.Sprintf("logspec: transition function %q already registered", key))
	}
	r.transitions[key] = fn
}

// State looks up a registered state by its "module.name" key.
func (r *Registry) State(key string) (*State, bool) {
	s, ok := r.states[key]
	return s, ok
}

// Transition looks up a registered transition function by its
// "module.name" key.
func (r *Registry) Transition(key string) (TransitionFunc, bool) {
	fn, ok := r.transitions[key]
	return fn, ok
}

// ParserDef is the declarative shape of one parser graph: a list of
// states, each with its outgoing transitions, and the name of the
// state to start in. It is the Go equivalent of one entry under
// "parsers" in the source's YAML parser definitions file.
type ParserDef struct {
	Name       string           `yaml:"name"`
	StartState string           `yaml:"start_state"`
	States     []StateGraphNode `yaml:"states"`
}

// StateGraphNode names a registered state and the registered
// transition functions wiring it to its neighbors.
type StateGraphNode struct {
	Name        string           `yaml:"name"`
	Transitions []TransitionEdge `yaml:"transitions"`
}

// TransitionEdge names a registered transition function and the
// registered state it leads to.
type TransitionEdge struct {
	Function string `yaml:"function"`
	State    string `yaml:"state"`
}

// BuildParser wires up a ParserDef against reg and returns its start
// state, ready to hand to ParseLog. It mirrors parser_loader(): look up
// every named state and transition function, attach the transitions in
// definition order, and resolve the start state last.
func BuildParser(reg *Registry, def ParserDef) (*State, error) {
	for _, node := range def.States {
		state, ok := reg.State(node.Name)
		if !ok {
			return nil, fmt.Errorf("logspec: state %q not found", node.Name)
		}
		state.Transitions = nil
		for _, edge := range node.Transitions {
			fn, ok := reg.Transition(edge.Function)
			if !ok {
				return nil, fmt.Errorf("logspec: transition function %q not found", edge.Function)
			}
			target, ok := reg.State(edge.State)
			if !ok {
				return nil, fmt.Errorf("logspec: transition target state %q not found", edge.State)
			}
			state.Transitions = append(state.Transitions, &Transition{
				Name:     edge.Function,
				Function: fn,
				State:    target,
			})
		}
	}
	start, ok := reg.State(def.StartState)
	if !ok {
		return nil, fmt.Errorf("logspec: start state %q not found", def.StartState)
	}
	return start, nil
}
