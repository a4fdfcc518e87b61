// Package mono provides the raw monotonic-clock primitive. Policy that
// maps monotonic time to wall time (spec §4.A) lives one layer up, in
// timesrc — mirroring the teacher's split between cmn/mono (primitive)
// and the components that build policy on top of it.
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since process start on a
// monotonic clock; never goes backwards, immune to wall-clock jumps.
func NanoTime() int64 { return time.Since(start).Nanoseconds() }

// Seconds returns NanoTime as floating-point seconds, the unit spec §4.A
// specifies for Time.now().
func Seconds() float64 { return float64(NanoTime()) / 1e9 }

func SinceNano(started int64) int64 { return NanoTime() - started }

func Since(started int64) time.Duration { return time.Duration(SinceNano(started)) }
