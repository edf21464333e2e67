package logspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindKernelErrorNullPointerDereference(t *testing.T) {
	log := "[   12.345678] Unable to handle kernel NULL pointer dereference at virtual address 0000000000000008\n" +
		"[   12.345679] Hardware name: Generic DT based system\n" +
		"[   12.345680] Call trace:\n" +
		"[   12.345681]  foo_probe+0x10/0x20\n" +
		"[   12.345999] ---[ end trace 0000000000000000 ]---\n"

	result := FindKernelError(log)
	require.NotNil(t, result)
	require.NotNil(t, result.Error)
	assert.Equal(t, "linux.kernel.null_pointer_dereference", result.Error.ErrorType)
}

func TestFindKernelErrorBugLocation(t *testing.T) {
	log := "[   5.000000] kernel BUG at fs/foo.c:100!\n" +
		"[   5.000001] Hardware name: Generic DT based system\n" +
		"[   5.000002] ---[ end trace 0000000000000000 ]---\n"

	result := FindKernelError(log)
	require.NotNil(t, result)
	require.NotNil(t, result.Error)
	assert.Equal(t, "linux.kernel.bug", result.Error.ErrorType)
}

func TestFindKernelErrorPanicRequiresEndMarker(t *testing.T) {
	log := "[   1.000000] Kernel panic - not syncing: Attempted to kill init!\n"
	result := FindKernelError(log)
	require.NotNil(t, result)
	assert.Nil(t, result.Error)
}

func TestFindKernelErrorPanicComplete(t *testing.T) {
	log := "[   1.000000] Kernel panic - not syncing: Attempted to kill init!\n" +
		"[   1.000001] ---[ end Kernel panic - not syncing: Attempted to kill init! ]---\n"
	result := FindKernelError(log)
	require.NotNil(t, result)
	require.NotNil(t, result.Error)
	assert.Equal(t, "linux.kernel.panic", result.Error.ErrorType)
}

func TestFindKernelErrorNoMatch(t *testing.T) {
	result := FindKernelError("[   0.000000] Booting Linux\n")
	assert.Nil(t, result)
}
