package logspec

import (
	"regexp"
	"sort"
	"strings"
)

// linuxTimestamp matches a kernel log timestamp prefix, e.g. "[   12.345678]".
const linuxTimestamp = `\[[ \d.]+\]`

// GenericError models a bare "cut here" kernel warning/report whose
// more specific type couldn't be determined.
type GenericError struct {
	Error
	Hardware   string
	Location   string
	CallTrace  []string
	Modules    []string
}

var reGenericStart = regexp.MustCompile(linuxTimestamp + ` -+\[ cut here \].*`)
var reGenericEnd = regexp.MustCompile(linuxTimestamp + ` -+\[ end trace`)
var reGenericBanner = regexp.MustCompile(linuxTimestamp + `.*?(?P<report_type>[A-Z]+): .*? at (?P<location>.*)`)
var reModulesLinkedIn = regexp.MustCompile(linuxTimestamp + ` Modules linked in: (?P<modules>.*)`)
var reHardwareName = regexp.MustCompile(linuxTimestamp + ` Hardware name: (?P<hardware>.*)`)
var reCallTraceTag = regexp.MustCompile(`(?i)` + linuxTimestamp + ` call trace:`)
var reCallTraceLine = regexp.MustCompile(linuxTimestamp + `  (.*)`)

func newGenericError() *GenericError {
	e := &GenericError{}
	e.ErrorType = "linux.kernel"
	e.AddSignatureField("location", "")
	return e
}

// parse extracts the banner, module list, hardware name and call trace
// from a "cut here" report block. text starts right after the "cut
// here" marker line; reportEnd is the offset of the "end trace" marker,
// or -1 if none was found.
func (e *GenericError) parse(text string) (reportEnd int) {
	endLoc := reGenericEnd.FindStringIndex(text)
	reportEnd = -1
	if endLoc != nil {
		reportEnd = endLoc[0]
		e.Report = text[:reportEnd]
		text = text[:reportEnd]
	}

	matchEnd := 0
	if m := reGenericBanner.FindStringSubmatchIndex(text); m != nil {
		matchEnd = m[1]
		reportType := text[m[2]:m[3]]
		e.Location = text[m[4]:m[5]]
		e.ErrorType += "." + strings.ToLower(reportType)
		e.ErrorSummary = reportType + " at " + e.Location
		e.AddSignatureField("location", e.Location)
	}
	if m := reModulesLinkedIn.FindStringSubmatchIndex(text[matchEnd:]); m != nil {
		modules := strings.Fields(text[matchEnd+m[2] : matchEnd+m[3]])
		sort.Strings(modules)
		e.Modules = modules
		matchEnd += m[1]
	}
	if m := reHardwareName.FindStringSubmatchIndex(text[matchEnd:]); m != nil {
		e.Hardware = text[matchEnd+m[2] : matchEnd+m[3]]
		matchEnd += m[1]
	}
	if loc := reCallTraceTag.FindStringIndex(text[matchEnd:]); loc != nil {
		matchEnd += loc[1]
		for _, m := range reCallTraceLine.FindAllStringSubmatch(text[matchEnd:], -1) {
			e.CallTrace = append(e.CallTrace, m[1])
		}
	}
	return reportEnd
}

// NullPointerDereference models a "Unable to handle kernel NULL
// pointer dereference" report.
type NullPointerDereference struct {
	Error
	Hardware  string
	Address   string
	CallTrace []string
}

var reNullPointerEnd = regexp.MustCompile(linuxTimestamp + ` ---\[ end trace`)
var reVirtualAddress = regexp.MustCompile(`at virtual address (?P<address>.*)`)

func newNullPointerDereference() *NullPointerDereference {
	e := &NullPointerDereference{}
	e.ErrorType = "linux.kernel.null_pointer_dereference"
	e.ErrorSummary = "NULL pointer dereference"
	e.AddSignatureField("address", "")
	return e
}

func (e *NullPointerDereference) parse(text string) (reportEnd int) {
	reportEnd = -1
	if loc := reNullPointerEnd.FindStringIndex(text); loc != nil {
		reportEnd = loc[0]
		e.Report = text[:reportEnd]
		text = text[:reportEnd]
	}

	matchEnd := 0
	if m := reVirtualAddress.FindStringSubmatchIndex(text); m != nil {
		matchEnd = m[1]
		e.Address = text[m[2]:m[3]]
		e.ErrorSummary += " at virtual address " + e.Address
		e.AddSignatureField("address", e.Address)
	}
	if m := reHardwareName.FindStringSubmatchIndex(text[matchEnd:]); m != nil {
		e.Hardware = text[matchEnd+m[2] : matchEnd+m[3]]
		matchEnd += m[1]
	}
	if loc := reCallTraceTag.FindStringIndex(text[matchEnd:]); loc != nil {
		matchEnd += loc[1]
		for _, m := range reCallTraceLine.FindAllStringSubmatch(text[matchEnd:], -1) {
			e.CallTrace = append(e.CallTrace, m[1])
		}
	}
	e.AddSignatureField("call_trace", strings.Join(e.CallTrace, "\n"))
	return reportEnd
}

// KernelBug models a "kernel BUG at ..." or "BUG: ..." report.
type KernelBug struct {
	Error
	Location  string
	Hardware  string
	Modules   []string
	CallTrace []string
}

var reBugEnd = regexp.MustCompile(linuxTimestamp + ` ---\[ end trace`)
var reBugLocation = regexp.MustCompile(linuxTimestamp + ` kernel BUG at (?P<location>.*)!`)
var reBugMessage = regexp.MustCompile(linuxTimestamp + ` BUG: (?P<message>.*)`)
var reBugCauseLocation = regexp.MustCompile(`(?P<cause>.*?) at (?P<location>.*)`)

func newKernelBug() *KernelBug {
	e := &KernelBug{}
	e.ErrorType = "linux.kernel.bug"
	return e
}

func (e *KernelBug) parse(text string) (reportEnd int) {
	reportEnd = -1
	if loc := reBugEnd.FindStringIndex(text); loc != nil {
		reportEnd = loc[0]
		e.Report = text[:reportEnd]
		text = text[:reportEnd]
	}

	matchEnd := 0
	switch {
	case reBugLocation.MatchString(text):
		m := reBugLocation.FindStringSubmatchIndex(text)
		matchEnd = m[1]
		e.Location = text[m[2]:m[3]]
		e.ErrorSummary = "kernel BUG at " + e.Location
	case reBugMessage.MatchString(text):
		m := reBugMessage.FindStringSubmatchIndex(text)
		matchEnd = m[1]
		message := text[m[2]:m[3]]
		switch {
		case reBugCauseLocation.MatchString(message):
			cm := reBugCauseLocation.FindStringSubmatch(message)
			e.Location = cm[2]
			e.ErrorSummary = cm[1] + " at " + e.Location
		case strings.Contains(message, "spinlock bad magic"):
			e.ErrorSummary = "spinlock bad magic"
		case strings.Contains(message, "scheduling while atomic"):
			e.ErrorSummary = "scheduling while atomic"
		case strings.Contains(message, "workqueue lockup"):
			e.ErrorSummary = "workqueue lockup"
		default:
			e.ErrorSummary = message
		}
	}

	startOfModules := -1
	if m := reModulesLinkedIn.FindStringSubmatchIndex(text[matchEnd:]); m != nil {
		startOfModules = matchEnd + m[0]
		modules := strings.Fields(text[matchEnd+m[2] : matchEnd+m[3]])
		sort.Strings(modules)
		e.Modules = modules
		matchEnd += m[1]
	}
	if m := reHardwareName.FindStringSubmatchIndex(text[matchEnd:]); m != nil {
		e.Hardware = text[matchEnd+m[2] : matchEnd+m[3]]
		matchEnd += m[1]
	}

	traceWindow := text
	traceOffset := 0
	if startOfModules >= 0 {
		traceWindow = text[:startOfModules]
	} else {
		traceWindow = text[matchEnd:]
		traceOffset = matchEnd
	}
	if loc := reCallTraceTag.FindStringIndex(traceWindow); loc != nil {
		for _, m := range reCallTraceLine.FindAllStringSubmatch(traceWindow[loc[1]:], -1) {
			if strings.TrimSpace(m[1]) != "" {
				e.CallTrace = append(e.CallTrace, m[1])
			}
		}
	}
	_ = traceOffset

	if reportEnd < 0 && matchEnd > 0 {
		reportEnd = matchEnd
	}
	return reportEnd
}

// KernelPanic models a "Kernel panic - not syncing: ..." report. Unlike
// the other kernel error types, an incomplete panic report (no "end
// Kernel panic" marker found) is not parsed at all.
type KernelPanic struct {
	Error
	Hardware  string
	CallTrace []string
}

var rePanicEnd = regexp.MustCompile(linuxTimestamp + ` ---\[ end Kernel panic`)
var rePanicMessage = regexp.MustCompile(linuxTimestamp + ` Kernel panic .*?: (?P<message>.*)`)

func newKernelPanic() *KernelPanic {
	e := &KernelPanic{}
	e.ErrorType = "linux.kernel.panic"
	return e
}

func (e *KernelPanic) parse(text string) (reportEnd int) {
	loc := rePanicEnd.FindStringIndex(text)
	if loc == nil {
		return -1
	}
	reportEnd = loc[0]
	e.Report = text[:reportEnd]
	text = text[:reportEnd]

	matchEnd := 0
	if m := rePanicMessage.FindStringSubmatchIndex(text); m != nil {
		matchEnd = m[1]
		e.ErrorSummary = text[m[2]:m[3]]
	}
	if m := reHardwareName.FindStringSubmatchIndex(text[matchEnd:]); m != nil {
		e.Hardware = text[matchEnd+m[2] : matchEnd+m[3]]
		matchEnd += m[1]
	}
	if loc := reCallTraceTag.FindStringIndex(text[matchEnd:]); loc != nil {
		matchEnd += loc[1]
		for _, m := range reCallTraceLine.FindAllStringSubmatch(text[matchEnd:], -1) {
			e.CallTrace = append(e.CallTrace, m[1])
		}
	}
	return reportEnd
}

// UBSANError models a "UBSAN: ..." sanitizer report.
type UBSANError struct {
	Error
	Location string
	Hardware string
}

var reUBSANEnd = regexp.MustCompile(`(-+\[ end trace)|(================================================================================)`)
var reUBSANBanner = regexp.MustCompile(linuxTimestamp + ` UBSAN: (?P<msg>.*?) in (?P<location>.*)`)
var reUBSANDetails = regexp.MustCompile(`(?m)^` + linuxTimestamp + ` (?P<details>[^:]*?)\n`)

func newUBSANError() *UBSANError {
	e := &UBSANError{}
	e.ErrorType = "linux.kernel.ubsan"
	e.AddSignatureField("location", "")
	return e
}

func (e *UBSANError) parse(text string) (reportEnd int) {
	reportEnd = -1
	if loc := reUBSANEnd.FindStringIndex(text); loc != nil {
		reportEnd = loc[0]
		e.Report = text[:reportEnd]
		text = text[:reportEnd]
	}

	matchEnd := 0
	if m := reUBSANBanner.FindStringSubmatchIndex(text); m != nil {
		matchEnd = m[1]
		e.ErrorSummary = text[m[2]:m[3]]
		e.Location = text[m[4]:m[5]]
		e.AddSignatureField("location", e.Location)
	}
	matchEnd++
	if matchEnd <= len(text) {
		if m := reUBSANDetails.FindStringSubmatchIndex(text[matchEnd:]); m != nil {
			details := text[matchEnd+m[2] : matchEnd+m[3]]
			e.ErrorSummary += ": " + details
			matchEnd += m[1]
		}
	}
	if m := reHardwareName.FindStringSubmatchIndex(text[min(matchEnd, len(text)):]); m != nil {
		e.Hardware = text[min(matchEnd, len(text))+m[2] : min(matchEnd, len(text))+m[3]]
	}
	return reportEnd
}

// KernelErrorResult is the outcome of FindKernelError.
type KernelErrorResult struct {
	Error *Error // nil if a tag matched but the block failed to parse
	End   int
}

type kernelErrorKind struct {
	name      string
	start     *regexp.Regexp
	build     func() (parse func(string) int, err *Error)
}

func buildKernelErrorKinds(includeGeneric bool) []kernelErrorKind {
	kinds := []kernelErrorKind{
		{"null_pointer", regexp.MustCompile(linuxTimestamp + ` Unable to handle kernel NULL pointer dereference`), func() (func(string) int, *Error) {
			e := newNullPointerDereference()
			return e.parse, &e.Error
		}},
		{"bug", regexp.MustCompile(linuxTimestamp + ` (kernel )?BUG`), func() (func(string) int, *Error) {
			e := newKernelBug()
			return e.parse, &e.Error
		}},
		{"ubsan", regexp.MustCompile(linuxTimestamp + ` UBSAN:`), func() (func(string) int, *Error) {
			e := newUBSANError()
			return e.parse, &e.Error
		}},
		{"kernel_panic", regexp.MustCompile(linuxTimestamp + ` Kernel panic`), func() (func(string) int, *Error) {
			e := newKernelPanic()
			return e.parse, &e.Error
		}},
	}
	if includeGeneric {
		kinds = append(kinds, kernelErrorKind{"generic", reGenericStart, func() (func(string) int, *Error) {
			e := newGenericError()
			return e.parse, &e.Error
		}})
	}
	return kinds
}

// FindErrorReport locates the earliest-occurring known kernel error tag
// in text and dispatches to the matching extractor. A "cut here" block
// is inspected first for a more specific nested error (NULL pointer,
// BUG, panic, UBSAN) before falling back to treating it as a generic
// report, matching the source parser's recursive dispatch.
func FindErrorReport(text string, includeGeneric bool) *KernelErrorResult {
	kinds := buildKernelErrorKinds(includeGeneric)

	bestIdx := -1
	var bestKind kernelErrorKind
	for _, k := range kinds {
		loc := k.start.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if bestIdx == -1 || loc[0] < bestIdx {
			bestIdx = loc[0]
			bestKind = k
		}
	}
	if bestIdx == -1 {
		return nil
	}

	if bestKind.name == "generic" {
		startLoc := reGenericStart.FindStringIndex(text)
		if endLoc := reGenericEnd.FindStringIndex(text[startLoc[1]:]); endLoc != nil {
			blockStart := startLoc[1]
			blockEnd := blockStart + endLoc[1]
			if report := FindErrorReport(text[blockStart:blockEnd], false); report != nil {
				report.End = blockEnd
				return report
			}
		}
	}

	parse, err := bestKind.build()
	matchLoc := bestKind.start.FindStringIndex(text)
	parseEnd := parse(text[matchLoc[0]:])
	if parseEnd < 0 {
		return &KernelErrorResult{Error: nil, End: matchLoc[1]}
	}
	err.GenerateSignature()
	return &KernelErrorResult{Error: err, End: matchLoc[0] + parseEnd}
}

// FindKernelError searches text for a known kernel error report.
func FindKernelError(text string) *KernelErrorResult {
	return FindErrorReport(text, true)
}
