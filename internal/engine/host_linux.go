//go:build linux

package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func hostOS() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "linux"
	}
	return fmt.Sprintf("%s %s %s",
		unix.ByteSliceToString(uts.Sysname[:]),
		unix.ByteSliceToString(uts.Release[:]),
		unix.ByteSliceToString(uts.Machine[:]))
}
