package logspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindKbuildErrorCompiler(t *testing.T) {
	log := "drivers/foo/bar.c: In function 'probe':\n" +
		"drivers/foo/bar.c:42:5: error: 'x' undeclared\n" +
		"make[2]: *** [scripts/Makefile.build:250: drivers/foo/bar.o] Error 1\n"

	result := FindKbuildError(log)
	require.NotNil(t, result)
	assert.Equal(t, "kbuild.compiler.error", result.Error.ErrorType)
	assert.NotEmpty(t, result.Error.Signature())
}

func TestFindKbuildErrorModpost(t *testing.T) {
	log := "ERROR: modpost: \"foo_symbol\" undefined!\n" +
		"make[2]: *** [scripts/Makefile.modpost:145: modules] Error 1\n"

	result := FindKbuildError(log)
	require.NotNil(t, result)
	assert.Equal(t, "kbuild.modpost", result.Error.ErrorType)
	assert.Contains(t, result.Error.ErrorSummary, "foo_symbol")
}

func TestFindKbuildErrorUnknown(t *testing.T) {
	log := "make: *** No targets specified and no makefile found.\n"

	result := FindKbuildError(log)
	require.NotNil(t, result)
	assert.Equal(t, "kbuild.unknown", result.Error.ErrorType)
}

func TestFindKbuildErrorNoMatch(t *testing.T) {
	result := FindKbuildError("Building modules, stage 2.\nMODPOST\n")
	assert.Nil(t, result)
}

func TestIsObjectFile(t *testing.T) {
	assert.True(t, isObjectFile("drivers/foo/bar.o"))
	assert.True(t, isObjectFile("arch/arm/boot/start.s"))
	assert.False(t, isObjectFile("modules"))
}
