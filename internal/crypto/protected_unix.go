//go:build !windows

package crypto

import "golang.org/x/sys/unix"

func (lk *lockedKey) mlock() error {
	if err := unix.Mlock(lk.data); err != nil {
		return err
	}
	lk.locked = true
	return nil
}

func (lk *lockedKey) munlock() error {
	if err := unix.Munlock(lk.data); err != nil {
		return err
	}
	lk.locked = false
	return nil
}
