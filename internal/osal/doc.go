// Package osal is the operating-system abstraction the data plane runs on:
// tasks, bounded mailboxes, binary semaphores, fixed-block memory pools and
// a monotonic millisecond clock.
//
// It mirrors the contract of a small RTOS port layer. Blocking happens only
// in Mailbox.Fetch and Signal.Wait; every other call returns immediately.
// A zero (or negative) timeout means "block until something arrives or the
// context ends".
package osal
