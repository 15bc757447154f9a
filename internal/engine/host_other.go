//go:build !linux

package engine

import "runtime"

func hostOS() string {
	return runtime.GOOS + " " + runtime.GOARCH
}
