package media

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// maxOpusSamples bounds one decoded Opus frame: 40ms at 48kHz, stereo.
const maxOpusSamples = 1920 * 2

// OpusBoundary decodes received Opus audio into PCM samples using the pure
// Go pion decoder. Decode failures surface as typed errors, never a fault.
type OpusBoundary struct {
	mu      sync.Mutex
	decoder opus.Decoder
}

// NewOpusBoundary creates an Opus decode boundary.
func NewOpusBoundary() *OpusBoundary {
	return &OpusBoundary{decoder: opus.NewDecoder()}
}

// Decode decodes one Opus frame into PCM samples.
func (o *OpusBoundary) Decode(data []byte) ([]int16, bool, error) {
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: empty audio data", ErrDecodeFailure)
	}

	output := make([]byte, maxOpusSamples*2)

	o.mu.Lock()
	bandwidth, isStereo, err := o.decoder.Decode(data, output)
	o.mu.Unlock()
	if err != nil {
		return nil, false, fmt.Errorf("%w: opus: %v", ErrDecodeFailure, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "OpusBoundary.Decode",
		"input_size": len(data),
		"bandwidth":  bandwidth.String(),
		"is_stereo":  isStereo,
	}).Debug("Opus frame decoded")

	// Decoder output is little-endian int16.
	pcm := make([]int16, len(output)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(output[i*2:]))
	}
	return pcm, isStereo, nil
}
