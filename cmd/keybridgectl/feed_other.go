//go:build !linux

package main

import "runtime"

func cmdFeed([]string) {
	fatalf("feed reads Linux input devices and is not available on %s", runtime.GOOS)
}
