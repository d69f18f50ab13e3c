// Copyright 2021 by Thorsten von Eicken, see LICENSE file

// Package thread provides scheduling helpers for goroutines that poll hardware on a
// tight, timing-sensitive loop, such as a radio bridge's receive loop.
package thread

import (
	"runtime"
	"syscall"
	"unsafe"
)

const (
	FIFO = 1 // fifo scheduling policy
	RR   = 2 // round-robin scheduling policy
)

type schedParam struct {
	Priority int
}

// Realtime locks the calling goroutine to its own kernel thread and elevates that
// thread to the round-robin realtime scheduling policy with the given priority
// (1..99, pick something in the lower middle of the range unless you know better).
// Requires CAP_SYS_NICE or root, hence errors are common and best treated as a
// degradation, not a failure.
func Realtime(priority int) error {
	// Pin the goroutine to its own kernel thread first, the policy applies per thread.
	runtime.LockOSThread()
	tid := syscall.Gettid()
	res, _, err := syscall.RawSyscall(syscall.SYS_SCHED_SETSCHEDULER, uintptr(tid),
		uintptr(RR), uintptr(unsafe.Pointer(&schedParam{priority})))
	if res == 0 {
		return nil
	}
	return err
}
