package logspec

import (
	"path"
	"regexp"
	"strings"
)

// KbuildCompilerError models a compiler or linker error tied to a
// specific build target.
type KbuildCompilerError struct {
	Error
	Script, Target, SrcFile, Location string
}

func newKbuildCompilerError(script, target string) *KbuildCompilerError {
	e := &KbuildCompilerError{Script: script, Target: target}
	e.ErrorType = "kbuild.compiler"
	e.AddSignatureField("target", target)
	return e
}

var reLinkerMessage = regexp.MustCompile(`ld: (?P<message>.*)`)

// compilerErrorLineRegex builds the line regex anchored on the build
// target's stem, mirroring the source parser's dynamic
// `f'^.*?(?P<src_file>{file_pattern}.*?):(?P<location>.*?): (?P<type>.*?): (?P<message>.*?)\n'`.
// location is intentionally `.*?` (not `[^:]+`) since a GCC location is
// itself "line:column" and contains a colon.
func compilerErrorLineRegex(stem string) *regexp.Regexp {
	pattern := `(?m)^.*?(?P<src_file>` + regexp.QuoteMeta(stem) + `.*?):(?P<location>.*?): (?P<type>error|warning): (?P<message>.*)$`
	return regexp.MustCompile(pattern)
}

// parse attempts to pull a compiler error/warning or a linker error out
// of the build-failure preamble that precedes the "make: *** ..." line,
// mirroring the two-strategy search in the source parser (single-line
// match, then a block search anchored on the target name).
func (e *KbuildCompilerError) parse(text string) {
	if strings.Contains(text, "ld: ") {
		e.parseLinker(text)
		return
	}
	stem := strings.TrimSuffix(e.Target, path.Ext(e.Target))
	lineRe := compilerErrorLineRegex(stem)
	if m := lineRe.FindStringSubmatch(text); m != nil {
		e.ErrorType += "." + m[3]
		e.SrcFile = m[1]
		e.Location = m[2]
		e.ErrorSummary = strings.TrimSpace(m[0])
		e.AddSignatureField("src_file", e.SrcFile)
		e.AddSignatureField("location", e.Location)
		e.Report = text
		return
	}
	// Block strategy: find the last line mentioning the target stem and
	// scan forward from there for an error/warning or linker message.
	baseStem := strings.TrimSuffix(path.Base(e.Target), path.Ext(e.Target))
	if baseStem == "" {
		return
	}
	blockRe := regexp.MustCompile(`(?m)^.*` + regexp.QuoteMeta(baseStem) + `.*$`)
	matches := blockRe.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return
	}
	last := matches[len(matches)-1]
	block := text[last[0]:]
	e.Report = block
	baseLineRe := compilerErrorLineRegex(baseStem)
	if m := baseLineRe.FindStringSubmatch(block); m != nil {
		e.ErrorType += "." + m[3]
		e.SrcFile = m[1]
		e.Location = m[2]
		e.ErrorSummary = strings.TrimSpace(m[0])
		e.AddSignatureField("src_file", e.SrcFile)
		e.AddSignatureField("location", e.Location)
		return
	}
	e.parseLinker(block)
}

func (e *KbuildCompilerError) parseLinker(text string) {
	if m := reLinkerMessage.FindStringSubmatch(text); m != nil {
		e.ErrorType += ".linker_error"
		e.ErrorSummary = m[1]
	}
}

// KbuildProcessError models a generic Make/Kbuild runtime error
// (lines starting with "***"), e.g. a failed recipe or missing file.
type KbuildProcessError struct {
	Error
	Script, Target string
}

var reMakeStars = regexp.MustCompile(`\*\*\*.*`)

func newKbuildProcessError(script, target string) *KbuildProcessError {
	e := &KbuildProcessError{Script: script, Target: target}
	e.ErrorType = "kbuild.make"
	e.AddSignatureField("script", script)
	e.AddSignatureField("target", target)
	return e
}

func (e *KbuildProcessError) parse(text string) {
	matches := reMakeStars.FindAllString(text, -1)
	var summaries []string
	var report strings.Builder
	for _, m := range matches {
		report.WriteString(m)
		report.WriteString("\n")
		if s := strings.Trim(m, "*\n "); s != "" {
			summaries = append(summaries, s)
		}
	}
	e.Report = report.String()
	if len(summaries) > 0 {
		e.ErrorSummary = strings.Join(summaries, " ")
	}
}

// KbuildModpostError models a "ERROR: modpost: ..." failure.
type KbuildModpostError struct {
	Error
	Script, Target string
}

var reModpost = regexp.MustCompile(`ERROR: modpost: (?P<message>.*)`)

func newKbuildModpostError(script, target string) *KbuildModpostError {
	e := &KbuildModpostError{Script: script, Target: target}
	e.ErrorType = "kbuild.modpost"
	e.AddSignatureField("script", script)
	e.AddSignatureField("target", target)
	return e
}

func (e *KbuildModpostError) parse(text string) {
	matches := reModpost.FindAllStringSubmatch(text, -1)
	var summaries []string
	var report strings.Builder
	for _, m := range matches {
		report.WriteString(m[0])
		report.WriteString("\n")
		summaries = append(summaries, m[1])
	}
	e.Report = report.String()
	if len(summaries) > 0 {
		e.ErrorSummary = strings.Join(summaries, " ")
	}
}

// KbuildGenericError catches Kbuild errors that look real but don't
// match a more specific shape.
type KbuildGenericError struct {
	Error
	Script, Target string
}

var reUnindentedLine = regexp.MustCompile(`(?m)^[^\s].*$`)
var reGenericErrorLine = regexp.MustCompile(`.*error:.*`)

func newKbuildGenericError(script, target string) *KbuildGenericError {
	e := &KbuildGenericError{Script: script, Target: target}
	e.ErrorType = "kbuild.other"
	e.AddSignatureField("script", script)
	e.AddSignatureField("target", target)
	return e
}

func (e *KbuildGenericError) parse(text string) {
	if e.Target == "" {
		return
	}
	idx := strings.Index(text, e.Target)
	if idx < 0 {
		return
	}
	rest := text[idx+len(e.Target):]
	var summaries []string
	var report strings.Builder
	for _, line := range reUnindentedLine.FindAllString(rest, -1) {
		report.WriteString(line)
		report.WriteString("\n")
		if strings.HasPrefix(line, "***") {
			if s := strings.Trim(line, "*\n "); s != "" {
				summaries = append(summaries, s)
			}
		} else if m := reGenericErrorLine.FindString(line); m != "" {
			summaries = append(summaries, m)
		}
	}
	e.Report = report.String()
	if len(summaries) > 0 {
		e.ErrorSummary = strings.Join(summaries, " ")
	}
}

// KbuildUnknownError wraps a "make: *** ..." failure string that
// doesn't match the "[script: target] Error" shape, so it can't be
// classified further.
type KbuildUnknownError struct {
	Error
}

func newKbuildUnknownError(text string) *KbuildUnknownError {
	e := &KbuildUnknownError{}
	e.ErrorType = "kbuild.unknown"
	e.ErrorSummary = text
	e.Report = text
	return e
}

var reMakeFailure = regexp.MustCompile(`make.*?: \*\*\* (?P<error_str>.*)`)
var reMakeTarget = regexp.MustCompile(`\[(?P<script>.*?): (?P<target>.*?)\] Error`)

var objFileExtensions = map[string]bool{".o": true, ".s": true}

func isObjectFile(target string) bool {
	ext := path.Ext(target)
	return ext != "" && objFileExtensions[ext]
}

func isOtherCompilerTarget(target, text string) bool {
	stem := strings.TrimSuffix(path.Base(target), path.Ext(target))
	if stem == "" {
		return false
	}
	re := regexp.MustCompile(regexp.QuoteMeta(stem) + `(\.\w+)?:`)
	return re.MatchString(text)
}

var kbuildTargets = map[string]bool{"modules": true, "Module.symvers": true}

func isKbuildTarget(target string) bool {
	return kbuildTargets[target]
}

// FindKbuildError searches text for a "make: *** ..." failure line and,
// if one is found, classifies and parses it into one of the Kbuild*
// error types. Returns nil if no failure line is present.
func FindKbuildError(text string) *KbuildResult {
	loc := reMakeFailure.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil
	}
	start, end := loc[0], loc[1]
	errorStr := text[loc[2]:loc[3]]

	m := reMakeTarget.FindStringSubmatch(errorStr)
	var err *Error

	if m != nil {
		script, target := m[1], m[2]
		preamble := text[:start]
		switch {
		case isObjectFile(target) || isOtherCompilerTarget(target, preamble):
			ce := newKbuildCompilerError(script, target)
			ce.parse(preamble)
			err = &ce.Error
		case strings.Contains(script, "modpost"):
			me := newKbuildModpostError(script, target)
			me.parse(preamble)
			err = &me.Error
		case isKbuildTarget(target):
			pe := newKbuildProcessError(script, target)
			pe.parse(preamble)
			err = &pe.Error
		default:
			ge := newKbuildGenericError(script, target)
			ge.parse(preamble)
			err = &ge.Error
		}
	} else {
		ue := newKbuildUnknownError(errorStr)
		err = &ue.Error
	}
	err.GenerateSignature()
	return &KbuildResult{Error: err, End: end}
}

// KbuildResult is the outcome of FindKbuildError: the classified error
// and the offset in the input text right after the matched failure
// line.
type KbuildResult struct {
	Error *Error
	End   int
}
