package logspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindTestBaselineDmesgError(t *testing.T) {
	line := "kern  : Out of memory: Killed process 123 (foo)"
	result := FindTestBaselineDmesgError(line)
	require.NotNil(t, result)
	assert.Equal(t, "test.baseline.dmesg", result.Error.ErrorType)
	assert.Contains(t, result.Error.ErrorSummary, "Killed process 123")
}

func TestFindTestBaselineDmesgErrorNoMatch(t *testing.T) {
	assert.Nil(t, FindTestBaselineDmesgError("info  : all good"))
}

func TestDetectTestBaselineNoStartTag(t *testing.T) {
	data := detectTestBaseline("plain log with nothing interesting")
	assert.Equal(t, false, data["test.baseline.start"])
	assert.Empty(t, data.Errors())
}

func TestDetectTestBaselineFindsError(t *testing.T) {
	log := "/opt/kernelci/dmesg.sh\n" +
		"kern  : Out of memory: Killed process 123 (foo)\n" +
		"<LAVA_TEST_RUNNER EXIT>\n"
	data := detectTestBaseline(log)
	assert.Equal(t, true, data["test.baseline.start"])
	require.Len(t, data.Errors(), 1)
}
