//go:build windows

package pipeconn

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procGetNamedPipeClientProcessId = modkernel32.NewProc("GetNamedPipeClientProcessId")
)

// getNamedPipeClientProcessID calls the Win32 GetNamedPipeClientProcessId
// function on the given pipe server handle.
func getNamedPipeClientProcessID(h windows.Handle) (uint32, error) {
	var pid uint32
	ret, _, err := procGetNamedPipeClientProcessId.Call(uintptr(h), uintptr(unsafe.Pointer(&pid)))
	if ret == 0 {
		return 0, fmt.Errorf("GetNamedPipeClientProcessId: %w", err)
	}
	return pid, nil
}
