// Package capture implements the process-scoped loopback capture engine: it
// activates a capture client bound to one process (and optionally its
// descendants), negotiates the PCM format, pulls buffers on a dedicated OS
// thread and forwards the raw bytes to a sink until stopped or until the
// target process exits.
package capture

import (
	"fmt"
	"time"
)

// Target identifies the process whose rendered audio is captured.
type Target struct {
	ProcessID          uint32
	IncludeDescendants bool
}

func (t Target) String() string {
	if t.IncludeDescendants {
		return fmt.Sprintf("pid %d (with descendants)", t.ProcessID)
	}
	return fmt.Sprintf("pid %d", t.ProcessID)
}

// SampleType is the numeric encoding of a sample.
type SampleType int

const (
	SampleUnknown SampleType = iota
	SampleInteger
	SampleFloat
)

func (t SampleType) String() string {
	switch t {
	case SampleInteger:
		return "integer"
	case SampleFloat:
		return "float"
	default:
		return "unknown"
	}
}

// ParseSampleType accepts "integer"/"int"/"pcm" and "float"/"ieee_float".
func ParseSampleType(s string) (SampleType, error) {
	switch s {
	case "integer", "int", "pcm":
		return SampleInteger, nil
	case "float", "ieee_float":
		return SampleFloat, nil
	}
	return SampleUnknown, fmt.Errorf("unknown sample type %q", s)
}

// AudioFormat is the interleaved PCM format delivered to the sink.
type AudioFormat struct {
	SampleRate    uint32
	BitsPerSample uint16
	Channels      uint16
	SampleType    SampleType
}

// BlockAlign is the size of one frame (one sample per channel) in bytes.
func (f AudioFormat) BlockAlign() uint32 {
	return uint32(f.Channels) * uint32(f.BitsPerSample) / 8
}

// BytesPerSecond is the stream's byte rate.
func (f AudioFormat) BytesPerSecond() uint64 {
	return uint64(f.SampleRate) * uint64(f.BlockAlign())
}

// FrameBytes is the byte length of frames whole frames.
func (f AudioFormat) FrameBytes(frames uint32) int {
	return int(frames) * int(f.BlockAlign())
}

// Duration converts a frame count to wall-clock time.
func (f AudioFormat) Duration(frames uint64) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch/%s", f.SampleRate, f.BitsPerSample, f.Channels, f.SampleType)
}

// MixFormat is the format a platform reports for its shared-mode mix.
type MixFormat struct {
	SampleRate    uint32
	BitsPerSample uint16 // container size
	ValidBits     uint16 // 0 means same as BitsPerSample
	Channels      uint16
	BlockAlign    uint16
	SampleType    SampleType
}

// BufferFlags are the per-buffer status bits reported by the capture ring.
type BufferFlags uint32

const (
	FlagDiscontinuity BufferFlags = 1 << iota
	FlagSilent
	FlagTimestampError
)

// Buffer is a view onto one packet of the platform capture ring. Data is only
// valid until the buffer is released and may be nil when FlagSilent is set.
type Buffer struct {
	Data   []byte
	Frames uint32
	Flags  BufferFlags
}

func (b Buffer) Silent() bool        { return b.Flags&FlagSilent != 0 }
func (b Buffer) Discontinuous() bool { return b.Flags&FlagDiscontinuity != 0 }
func (b Buffer) TimestampErr() bool  { return b.Flags&FlagTimestampError != 0 }

// SilencePolicy decides what reaches the sink for buffers flagged silent.
type SilencePolicy int

const (
	// SilenceZeroFill writes zero bytes so stream length tracks wall-clock time.
	SilenceZeroFill SilencePolicy = iota
	// SilenceSkip drops silent buffers entirely.
	SilenceSkip
)

func (p SilencePolicy) String() string {
	if p == SilenceSkip {
		return "skip"
	}
	return "zero"
}

// ParseSilencePolicy accepts "zero" (or "") and "skip".
func ParseSilencePolicy(s string) (SilencePolicy, error) {
	switch s {
	case "", "zero":
		return SilenceZeroFill, nil
	case "skip":
		return SilenceSkip, nil
	}
	return SilenceZeroFill, fmt.Errorf("unknown silence policy %q", s)
}
