package capture

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of a session's counters.
type Stats struct {
	Buffers         uint64
	Frames          uint64
	BytesWritten    uint64
	SilentBuffers   uint64
	Overruns        uint64 // buffers flagged discontinuous
	TimestampErrors uint64
	Elapsed         time.Duration
}

// counters are written by the capture goroutine and read from anywhere.
type counters struct {
	buffers         atomic.Uint64
	frames          atomic.Uint64
	bytesWritten    atomic.Uint64
	silentBuffers   atomic.Uint64
	overruns        atomic.Uint64
	timestampErrors atomic.Uint64
	startedAt       atomic.Int64 // unix nanos, 0 until capturing
	endedAt         atomic.Int64
}

func (c *counters) markStarted(t time.Time) { c.startedAt.Store(t.UnixNano()) }
func (c *counters) markEnded(t time.Time)   { c.endedAt.Store(t.UnixNano()) }

func (c *counters) record(b Buffer) {
	c.buffers.Add(1)
	c.frames.Add(uint64(b.Frames))
	if b.Silent() {
		c.silentBuffers.Add(1)
	}
	if b.Discontinuous() {
		c.overruns.Add(1)
	}
	if b.TimestampErr() {
		c.timestampErrors.Add(1)
	}
}

func (c *counters) snapshot(now time.Time) Stats {
	s := Stats{
		Buffers:         c.buffers.Load(),
		Frames:          c.frames.Load(),
		BytesWritten:    c.bytesWritten.Load(),
		SilentBuffers:   c.silentBuffers.Load(),
		Overruns:        c.overruns.Load(),
		TimestampErrors: c.timestampErrors.Load(),
	}
	if start := c.startedAt.Load(); start != 0 {
		end := c.endedAt.Load()
		if end == 0 {
			end = now.UnixNano()
		}
		s.Elapsed = time.Duration(end - start)
	}
	return s
}
