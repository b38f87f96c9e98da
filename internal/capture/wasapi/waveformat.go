// Package wasapi is the Windows process loopback platform: it activates an
// IAudioClient scoped to one process tree through ActivateAudioInterfaceAsync
// and drives it in event-driven shared mode. Only 64-bit Windows 10 build
// 20348 or later is supported; elsewhere New returns
// capture.ErrUnsupportedPlatform.
package wasapi

import (
	"encoding/binary"
	"fmt"

	"github.com/go-ole/go-ole"

	"github.com/breeze-rmm/apploopback/internal/capture"
)

const (
	waveFormatPCM        = 0x0001
	waveFormatIEEEFloat  = 0x0003
	waveFormatExtensible = 0xFFFE

	// WAVEFORMATEX is byte-packed; a Go struct would pad it.
	waveFormatExSize         = 18
	waveFormatExtensibleSize = 40
	extensibleExtraSize      = waveFormatExtensibleSize - waveFormatExSize
)

var (
	subtypePCM       = ole.NewGUID("{00000001-0000-0010-8000-00AA00389B71}")
	subtypeIEEEFloat = ole.NewGUID("{00000003-0000-0010-8000-00AA00389B71}")
)

// speakerMasks are the KSAUDIO_SPEAKER_* layouts by channel count.
var speakerMasks = map[uint16]uint32{
	1: 0x4,   // mono
	2: 0x3,   // stereo
	3: 0x7,   // FL FR FC
	4: 0x33,  // quad
	5: 0x37,  // 5.0
	6: 0x3F,  // 5.1
	7: 0x13F, // 6.1
	8: 0x63F, // 7.1 surround
}

// encodeWaveFormat renders f as a WAVEFORMATEX, or a WAVEFORMATEXTENSIBLE
// when it has more than two channels or samples wider than 16 bits.
func encodeWaveFormat(f capture.AudioFormat) []byte {
	extensible := f.Channels > 2 || f.BitsPerSample > 16

	tag := uint16(waveFormatPCM)
	if f.SampleType == capture.SampleFloat {
		tag = waveFormatIEEEFloat
	}
	size := waveFormatExSize
	if extensible {
		tag = waveFormatExtensible
		size = waveFormatExtensibleSize
	}

	b := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint16(b[0:], tag)
	le.PutUint16(b[2:], f.Channels)
	le.PutUint32(b[4:], f.SampleRate)
	le.PutUint32(b[8:], uint32(f.BytesPerSecond()))
	le.PutUint16(b[12:], uint16(f.BlockAlign()))
	le.PutUint16(b[14:], f.BitsPerSample)
	if !extensible {
		return b
	}

	le.PutUint16(b[16:], extensibleExtraSize)
	le.PutUint16(b[18:], f.BitsPerSample) // wValidBitsPerSample
	le.PutUint32(b[20:], speakerMasks[f.Channels])
	sub := subtypePCM
	if f.SampleType == capture.SampleFloat {
		sub = subtypeIEEEFloat
	}
	putGUID(b[24:], sub)
	return b
}

// decodeWaveFormat parses a WAVEFORMATEX or WAVEFORMATEXTENSIBLE.
func decodeWaveFormat(b []byte) (capture.MixFormat, error) {
	if len(b) < waveFormatExSize {
		return capture.MixFormat{}, fmt.Errorf("wave format too short: %d bytes", len(b))
	}
	le := binary.LittleEndian
	tag := le.Uint16(b[0:])
	m := capture.MixFormat{
		Channels:      le.Uint16(b[2:]),
		SampleRate:    le.Uint32(b[4:]),
		BlockAlign:    le.Uint16(b[12:]),
		BitsPerSample: le.Uint16(b[14:]),
	}

	switch tag {
	case waveFormatPCM:
		m.SampleType = capture.SampleInteger
	case waveFormatIEEEFloat:
		m.SampleType = capture.SampleFloat
	case waveFormatExtensible:
		if le.Uint16(b[16:]) < extensibleExtraSize || len(b) < waveFormatExtensibleSize {
			return capture.MixFormat{}, fmt.Errorf("truncated WAVEFORMATEXTENSIBLE")
		}
		m.ValidBits = le.Uint16(b[18:])
		sub := getGUID(b[24:])
		switch {
		case ole.IsEqualGUID(sub, subtypePCM):
			m.SampleType = capture.SampleInteger
		case ole.IsEqualGUID(sub, subtypeIEEEFloat):
			m.SampleType = capture.SampleFloat
		}
	}
	return m, nil
}

func putGUID(b []byte, g *ole.GUID) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], g.Data1)
	le.PutUint16(b[4:], g.Data2)
	le.PutUint16(b[6:], g.Data3)
	copy(b[8:16], g.Data4[:])
}

func getGUID(b []byte) *ole.GUID {
	le := binary.LittleEndian
	g := &ole.GUID{
		Data1: le.Uint32(b[0:]),
		Data2: le.Uint16(b[4:]),
		Data3: le.Uint16(b[6:]),
	}
	copy(g.Data4[:], b[8:16])
	return g
}
