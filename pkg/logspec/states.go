package logspec

import "regexp"

func init() {
	DefaultRegistry.RegisterState("kbuild", "kbuild_start", &State{
		Name:        "Kernel build start",
		Description: "Initial state for a kernel build",
		Function:    detectKbuildStart,
	})
	DefaultRegistry.RegisterState("linux_kernel", "kernel_load", &State{
		Name:        "Linux kernel load",
		Description: "Start of Linux kernel initialization",
		Function:    detectLinuxPrompt,
	})
	DefaultRegistry.RegisterState("linux_kernel", "kernel_stage2_load", &State{
		Name:        "Linux kernel load (second stage)",
		Description: "Start of Linux kernel initialization (second stage)",
		Function:    detectLinuxPrompt,
	})
	DefaultRegistry.RegisterState("test_baseline", "test_baseline", &State{
		Name:        "Baseline test",
		Description: "Search and process a baseline test",
		Function:    detectTestBaseline,
	})
}

// detectKbuildStart scans a kernel build log for a build failure and,
// if one is found, narrows the parse to end right after it.
func detectKbuildStart(text string) Data {
	data := Data{KeyMatchEnd: len(text), KeyErrors: []*Error{}}
	result := FindKbuildError(text)
	if result != nil {
		data[KeyErrors] = []*Error{result.Error}
		data[KeyMatchEnd] = result.End
	}
	return data
}

var rePromptTag = regexp.MustCompile(`/ #`)

// detectLinuxPrompt scans a boot log fragment for a command-line prompt
// (the "done" condition for kernel initialization) and, before that
// point (or across the whole fragment if no prompt was found), for
// kernel runtime errors.
func detectLinuxPrompt(text string) Data {
	data := Data{}
	loc := rePromptTag.FindStringIndex(text)
	searchText := text
	if loc != nil {
		data[KeyMatchEnd] = loc[1]
		data["linux.boot.prompt"] = true
		searchText = text[:loc[0]]
	} else {
		data[KeyMatchEnd] = len(text)
		data["linux.boot.prompt"] = false
	}

	var errs []*Error
	for {
		result := FindKernelError(searchText)
		if result == nil {
			break
		}
		searchText = searchText[result.End:]
		if result.Error != nil {
			errs = append(errs, result.Error)
		}
	}
	data[KeyErrors] = errs
	return data
}

var reBaselineStartTag = regexp.MustCompile(`/opt/kernelci/dmesg\.sh`)
var reBaselineEndTag = regexp.MustCompile(`<LAVA_TEST_RUNNER EXIT>`)

// detectTestBaseline scans for a LAVA baseline test run, starting after
// a known start script marker and ending at the next occurrence of that
// same marker (or at the end of text if there is none), and collects the
// dmesg errors found inside that window. The LAVA_TEST_RUNNER exit
// marker is not consulted.
//
// The end-marker search below intentionally reuses the start-tag
// regex, mirroring the source parser's test_baseline state, which
// never switches to the declared end_tags list.
func detectTestBaseline(text string) Data {
	data := Data{}
	startLoc := reBaselineStartTag.FindStringIndex(text)
	if startLoc == nil {
		data["test.baseline.start"] = false
		data[KeyMatchEnd] = len(text)
		data[KeyErrors] = []*Error{}
		return data
	}
	data["test.baseline.start"] = true
	testStart := startLoc[1]

	testEnd := -1
	if endLoc := reBaselineStartTag.FindStringIndex(text[testStart:]); endLoc != nil {
		testEnd = testStart + endLoc[1]
		data[KeyMatchEnd] = testEnd
	} else {
		data[KeyMatchEnd] = len(text)
	}

	window := text[testStart:]
	if testEnd >= 0 {
		window = text[testStart:testEnd]
	}
	var errs []*Error
	offset := 0
	for {
		result := FindTestBaselineDmesgError(window[offset:])
		if result == nil {
			break
		}
		errs = append(errs, result.Error)
		offset += result.End
	}
	data[KeyErrors] = errs
	return data
}
