// Package atomic provides thin, typed wrappers over sync/atomic, in the
// shape of the teacher's cmn/atomic, used for fields observed across the
// FIFO-worker / timer-task boundaries described in spec §5 where a lock
// would otherwise be required.
package atomic

import "sync/atomic"

type Int64 struct{ v atomic.Int64 }

func (i *Int64) Load() int64          { return i.v.Load() }
func (i *Int64) Store(n int64)        { i.v.Store(n) }
func (i *Int64) Inc() int64           { return i.v.Add(1) }
func (i *Int64) Dec() int64           { return i.v.Add(-1) }
func (i *Int64) Add(n int64) int64    { return i.v.Add(n) }
func (i *Int64) CAS(old, new int64) bool { return i.v.CompareAndSwap(old, new) }
func (i *Int64) Swap(n int64) int64   { return i.v.Swap(n) }

type Bool struct{ v atomic.Bool }

func (b *Bool) Load() bool      { return b.v.Load() }
func (b *Bool) Store(v bool)    { b.v.Store(v) }
func (b *Bool) CAS(old, new bool) bool { return b.v.CompareAndSwap(old, new) }

type Value struct{ v atomic.Value }

func (a *Value) Load() any   { return a.v.Load() }
func (a *Value) Store(v any) { a.v.Store(v) }
