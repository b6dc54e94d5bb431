//go:build windows

package filesystem

import (
	"syscall"
	"unsafe"
)

// MoveFileEx 标志位
const (
	movefileReplaceExisting = 0x1
	movefileWriteThrough    = 0x8
)

var (
	modkernel32     = syscall.NewLazyDLL("kernel32.dll")
	procMoveFileExW = modkernel32.NewProc("MoveFileExW")
)

// osReplace: MoveFileExW(REPLACE_EXISTING|WRITE_THROUGH)，最佳努力的原子替换。
func osReplace(tmpPath, dest string) error {
	fromp, err := syscall.UTF16PtrFromString(tmpPath)
	if err != nil {
		return err
	}
	top, err := syscall.UTF16PtrFromString(dest)
	if err != nil {
		return err
	}
	r1, _, e1 := procMoveFileExW.Call(
		uintptr(unsafe.Pointer(fromp)),
		uintptr(unsafe.Pointer(top)),
		uintptr(movefileReplaceExisting|movefileWriteThrough),
	)
	if r1 == 0 {
		if e1 != nil && e1 != syscall.Errno(0) {
			return e1
		}
		return syscall.EINVAL
	}
	return nil
}

// syncDir: Windows 无通用的目录 fsync，no-op。
func syncDir(dir string) error { return nil }
