package logspec

// Built-in parser definitions, one per log kind the ingester needs to
// classify: a kernel build log, a kernel boot/runtime log, and a LAVA
// baseline test log. Each is
// a single terminal state here because this pipeline only ever hands a
// parser the log belonging to one job; the source project's richer
// multi-stage graphs (bootloader -> kernel_load -> kernel_stage2_load)
// exist to parse a single combined boot+test log end to end, which the
// central API here never produces as one blob.
var (
	KbuildParserDef = ParserDef{
		Name:       "kbuild",
		StartState: "kbuild.kbuild_start",
		States: []StateGraphNode{
			{Name: "kbuild.kbuild_start"},
		},
	}

	KernelBootParserDef = ParserDef{
		Name:       "kernel_boot",
		StartState: "linux_kernel.kernel_load",
		States: []StateGraphNode{
			{Name: "linux_kernel.kernel_load"},
		},
	}

	TestBaselineParserDef = ParserDef{
		Name:       "test_baseline",
		StartState: "test_baseline.test_baseline",
		States: []StateGraphNode{
			{Name: "test_baseline.test_baseline"},
		},
	}
)

// ParserFor returns the start state for one of the built-in parsers by
// name ("kbuild", "kernel_boot", "test_baseline"), or an error if name
// isn't recognized.
func ParserFor(name string) (*State, error) {
	switch name {
	case "kbuild":
		return BuildParser(DefaultRegistry, KbuildParserDef)
	case "kernel_boot":
		return BuildParser(DefaultRegistry, KernelBootParserDef)
	case "test_baseline":
		return BuildParser(DefaultRegistry, TestBaselineParserDef)
	default:
		return nil, &UnknownParserError{Name: name}
	}
}

// UnknownParserError is returned by ParserFor for an unrecognized
// parser name.
type UnknownParserError struct {
	Name string
}

func (e *UnknownParserError) Error() string {
	return "logspec: unknown parser " + e.Name
}
