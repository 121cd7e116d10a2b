//go:build windows

package crypto

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func (lk *lockedKey) mlock() error {
	addr := uintptr(unsafe.Pointer(&lk.data[0]))
	if err := windows.VirtualLock(addr, uintptr(len(lk.data))); err != nil {
		return err
	}
	lk.locked = true
	return nil
}

func (lk *lockedKey) munlock() error {
	addr := uintptr(unsafe.Pointer(&lk.data[0]))
	if err := windows.VirtualUnlock(addr, uintptr(len(lk.data))); err != nil {
		return err
	}
	lk.locked = false
	return nil
}
