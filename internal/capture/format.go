package capture

import "fmt"

const (
	minSampleRate = 8000
	maxSampleRate = 384000
	maxChannels   = 8
)

// DefaultFormat is requested when the platform reports no usable mix format.
var DefaultFormat = AudioFormat{
	SampleRate:    44100,
	BitsPerSample: 16,
	Channels:      2,
	SampleType:    SampleInteger,
}

// Negotiate picks the format the session will deliver. With preferDevice set
// and a mix format reported, the device format is used as-is if the sink can
// consume it; it is never resampled. Otherwise the engine-chosen target is
// requested and the platform converts into it.
func Negotiate(mix *MixFormat, target AudioFormat, preferDevice bool) (AudioFormat, error) {
	if mix == nil || !preferDevice {
		if err := Validate(target); err != nil {
			return AudioFormat{}, err
		}
		return target, nil
	}

	f := AudioFormat{
		SampleRate:    mix.SampleRate,
		BitsPerSample: mix.BitsPerSample,
		Channels:      mix.Channels,
		SampleType:    mix.SampleType,
	}
	if err := Validate(f); err != nil {
		return AudioFormat{}, err
	}
	if mix.ValidBits > mix.BitsPerSample {
		return AudioFormat{}, fmt.Errorf("%w: %d valid bits in a %d-bit container", ErrFormatUnsupported, mix.ValidBits, mix.BitsPerSample)
	}
	if mix.BlockAlign != 0 && uint32(mix.BlockAlign) != f.BlockAlign() {
		return AudioFormat{}, fmt.Errorf("%w: block align %d is not interleaved %s", ErrFormatUnsupported, mix.BlockAlign, f)
	}
	return f, nil
}

// Validate checks that f is interleaved PCM of a standard sample type.
func Validate(f AudioFormat) error {
	switch f.SampleType {
	case SampleInteger:
		switch f.BitsPerSample {
		case 8, 16, 24, 32:
		default:
			return fmt.Errorf("%w: %d-bit integer samples", ErrFormatUnsupported, f.BitsPerSample)
		}
	case SampleFloat:
		if f.BitsPerSample != 32 && f.BitsPerSample != 64 {
			return fmt.Errorf("%w: %d-bit float samples", ErrFormatUnsupported, f.BitsPerSample)
		}
	default:
		return fmt.Errorf("%w: unknown sample type", ErrFormatUnsupported)
	}
	if f.Channels == 0 || f.Channels > maxChannels {
		return fmt.Errorf("%w: %d channels", ErrFormatUnsupported, f.Channels)
	}
	if f.SampleRate < minSampleRate || f.SampleRate > maxSampleRate {
		return fmt.Errorf("%w: sample rate %d", ErrFormatUnsupported, f.SampleRate)
	}
	return nil
}
