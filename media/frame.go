// Package media is the boundary between the call system and codecs. It
// exchanges opaque byte buffers tagged with stream type, timestamp and
// declared format metadata. Decoder output metadata is untrusted: declared
// dimensions and sizes are cross-checked against the locally configured
// expectation before any buffer arithmetic trusts them.
package media

import (
	"fmt"

	"github.com/opd-ai/peercall/bridge"
)

// PixelFormat identifies the layout of a video frame buffer.
type PixelFormat uint8

const (
	// FormatOpaque carries bytes this layer does not inspect.
	FormatOpaque PixelFormat = iota
	// FormatYUV420 is planar Y, quarter-resolution U and V.
	FormatYUV420
	// FormatRGBA is interleaved 8-bit RGBA.
	FormatRGBA
)

// String returns a human-readable pixel format name.
func (f PixelFormat) String() string {
	switch f {
	case FormatOpaque:
		return "opaque"
	case FormatYUV420:
		return "yuv420"
	case FormatRGBA:
		return "rgba"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// Frame is one decoded media frame plus its declared metadata. For audio
// frames Width, Height and Format are zero-valued.
type Frame struct {
	StreamType bridge.StreamType
	Timestamp  uint64 // nanosecond wall clock
	Width      int
	Height     int
	Format     PixelFormat
	Data       []byte
}

// Expectation is the locally configured frame shape a decoder's output is
// checked against.
type Expectation struct {
	Width    int
	Height   int
	Format   PixelFormat
	MaxBytes int // 0 means no ceiling
}

// CheckDecoded validates a decoder's output frame against the expectation.
// The frame's metadata came from untrusted input, so every declared value
// is verified before callers index into Data with it.
func CheckDecoded(f *Frame, want Expectation) error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	if want.MaxBytes > 0 && len(f.Data) > want.MaxBytes {
		return fmt.Errorf("%w: %d bytes, ceiling %d", ErrSizeExceeded, len(f.Data), want.MaxBytes)
	}
	if f.Width != want.Width || f.Height != want.Height {
		return fmt.Errorf("%w: got %dx%d, expected %dx%d",
			ErrDimensionMismatch, f.Width, f.Height, want.Width, want.Height)
	}
	if f.Format != want.Format {
		return fmt.Errorf("%w: got format %s, expected %s",
			ErrDimensionMismatch, f.Format, want.Format)
	}

	switch f.Format {
	case FormatYUV420:
		if f.Width < 0 || f.Height < 0 || f.Width%2 != 0 || f.Height%2 != 0 {
			return fmt.Errorf("%w: yuv420 dimensions %dx%d", ErrInvalidFrame, f.Width, f.Height)
		}
		// Y plane plus two quarter-resolution chroma planes.
		need := f.Width*f.Height + 2*(f.Width/2)*(f.Height/2)
		if len(f.Data) != need {
			return fmt.Errorf("%w: yuv420 %dx%d needs %d bytes, have %d",
				ErrInvalidFrame, f.Width, f.Height, need, len(f.Data))
		}
	case FormatRGBA:
		if need := f.Width * f.Height * 4; len(f.Data) != need {
			return fmt.Errorf("%w: rgba %dx%d needs %d bytes, have %d",
				ErrInvalidFrame, f.Width, f.Height, need, len(f.Data))
		}
	}
	return nil
}
