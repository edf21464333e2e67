package logspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserForKbuildParsesBuildFailure(t *testing.T) {
	start, err := ParserFor("kbuild")
	require.NoError(t, err)

	log := "drivers/foo/bar.c:42:5: error: 'x' undeclared\n" +
		"make[2]: *** [scripts/Makefile.build:250: drivers/foo/bar.o] Error 1\n"
	data := ParseLog(log, start)
	require.Len(t, data.Errors(), 1)
	assert.Equal(t, "kbuild.compiler.error", data.Errors()[0].ErrorType)
}

func TestParserForKernelBootDetectsPrompt(t *testing.T) {
	start, err := ParserFor("kernel_boot")
	require.NoError(t, err)

	log := "[    0.000000] Booting Linux\n/ # "
	data := ParseLog(log, start)
	assert.Equal(t, true, data["linux.boot.prompt"])
	assert.Empty(t, data.Errors())
}

func TestParserForUnknown(t *testing.T) {
	_, err := ParserFor("nonexistent")
	assert.Error(t, err)
}

func TestCheckVersionRejectsMismatch(t *testing.T) {
	assert.NoError(t, CheckVersion("1.0.0"))
	assert.Error(t, CheckVersion("2.0.0"))
}
