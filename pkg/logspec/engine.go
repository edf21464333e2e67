// Package logspec implements a small finite-state-machine log parser:
// a State graph walks a build or boot log left to right, each State
// extracting structured errors from the fragment it owns and deciding,
// via its Transitions, which State takes the remainder of the log.
//
// The engine itself (State, Transition, ParseLog) is domain-agnostic;
// the states/, and the error extractors in this package describe one
// concrete domain each: kernel builds, kernel boot/runtime, and LAVA
// baseline test dmesg output.
package logspec

// Data is the working set a State produces and a Transition inspects.
// Fields are untyped because different states contribute different
// keys (e.g. "linux.boot.prompt", "test.baseline.start"); MatchEnd and
// Errors are the two keys every state is expected to set.
type Data map[string]any

const (
	// KeyMatchEnd holds the offset into the state's input text where
	// parsing stopped; ParseLog advances the log by this much before
	// handing the remainder to the next state.
	KeyMatchEnd = "_match_end"
	// KeyErrors holds the []*Error found by this state's run.
	KeyErrors = "errors"
)

// MatchEnd reads the conventional "_match_end" field out of Data.
func (d Data) MatchEnd() (int, bool) {
	v, ok := d[KeyMatchEnd]
	if !ok {
		return 0, false
	}
	n, ok := v.(int)
	return n, ok
}

// Errors reads the conventional "errors" field out of Data.
func (d Data) Errors() []*Error {
	v, ok := d[KeyErrors]
	if !ok {
		return nil
	}
	errs, _ := v.([]*Error)
	return errs
}

// StateFunc runs when a State is entered. It receives the log fragment
// still to be parsed and returns the extracted Data, including
// "_match_end" and "errors".
type StateFunc func(text string) Data

// TransitionFunc decides whether its Transition fires, given the Data
// produced by the State it is attached to.
type TransitionFunc func(Data) bool

// Transition models an edge in the FSM: if Function(data) is true,
// parsing continues in State.
type Transition struct {
	Name     string
	Function TransitionFunc
	State    *State
}

// State is a node in the FSM.
type State struct {
	Name        string
	Description string
	Function    StateFunc
	Transitions []*Transition
	data        Data
}

// Run executes the state function against text, if one is defined, and
// remembers the result for Transition to inspect.
func (s *State) Run(text string) Data {
	if s.Function == nil {
		return nil
	}
	s.data = s.Function(text)
	return s.data
}

// Transition checks each outgoing Transition in definition order and
// returns the target State of the first one that fires, or nil if none
// do (or the State has none).
func (s *State) Transition() *State {
	for _, t := range s.Transitions {
		if t.Function(s.data) {
			return t.State
		}
	}
	return nil
}

// ParseLog walks log through the FSM starting at start, folding every
// state's errors into one cumulative list and narrowing the log after
// each state according to its reported "_match_end". It returns the
// accumulated Data, with "errors" holding every *Error found along the
// way.
func ParseLog(log string, start *State) Data {
	state := start
	data := make(Data)
	var cumulative []*Error
	logStart := 0

	for state != nil {
		stateData := state.Run(log)
		next := state.Transition()

		cumulative = append(cumulative, stateData.Errors()...)
		for k, v := range stateData {
			data[k] = v
		}
		if matchEnd, ok := stateData.MatchEnd(); ok {
			logStart += matchEnd
			if matchEnd > len(log) {
				matchEnd = len(log)
			}
			log = log[matchEnd:]
			data[KeyMatchEnd] = logStart
		}
		state = next
	}
	data[KeyErrors] = cumulative
	return data
}
