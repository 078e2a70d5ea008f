package bridge

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
	}{
		{
			"audio frame",
			Packet{
				Version:        ProtocolVersion,
				Marker:         true,
				PayloadType:    111,
				SequenceNumber: 12345,
				Timestamp:      uint64(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixNano()),
				SSRC:           0xDEADBEEF,
				StreamType:     StreamAudio,
				Payload:        []byte{0x01, 0x02, 0x03},
			},
		},
		{
			"all header bits set",
			Packet{
				Version:        ProtocolVersion,
				Padding:        true,
				Extension:      true,
				CSRCCount:      15,
				Marker:         true,
				PayloadType:    127,
				SequenceNumber: math.MaxUint16,
				Timestamp:      math.MaxUint64,
				SSRC:           math.MaxUint32,
				StreamType:     StreamData,
				Payload:        []byte("payload"),
			},
		},
		{
			"empty payload",
			Packet{Version: ProtocolVersion, StreamType: StreamVideo},
		},
		{
			"screen share",
			Packet{
				Version:        ProtocolVersion,
				PayloadType:    96,
				SequenceNumber: 1,
				Timestamp:      1,
				SSRC:           1,
				StreamType:     StreamScreenShare,
				Payload:        make([]byte, 1400),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.pkt.Marshal()
			require.NoError(t, err)
			assert.Len(t, data, HeaderSize+len(tt.pkt.Payload))

			got, err := Unmarshal(data)
			require.NoError(t, err)
			if tt.pkt.Payload == nil {
				tt.pkt.Payload = got.Payload // both empty
			}
			assert.Equal(t, tt.pkt, *got)
		})
	}
}

func TestPacketTimestampFullWidth(t *testing.T) {
	// Nanosecond wall-clock timestamps exceed 32 bits; the codec must carry
	// all 64 and reproduce them exactly.
	ts := uint64(time.Date(2025, 6, 1, 12, 0, 0, 987654321, time.UTC).UnixNano())
	require.Greater(t, ts, uint64(math.MaxUint32))

	pkt := Packet{Version: ProtocolVersion, StreamType: StreamAudio, Timestamp: ts}
	data, err := pkt.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, ts, got.Timestamp)
}

func TestMarshalRejectsInvalidFields(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
	}{
		{"wrong version", Packet{Version: 1, StreamType: StreamAudio}},
		{"csrc count out of range", Packet{Version: ProtocolVersion, CSRCCount: 16, StreamType: StreamAudio}},
		{"payload type out of range", Packet{Version: ProtocolVersion, PayloadType: 128, StreamType: StreamAudio}},
		{"bad stream type", Packet{Version: ProtocolVersion, StreamType: StreamType(9)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.pkt.Marshal()
			assert.ErrorIs(t, err, ErrInvalidData)
		})
	}
}

func TestUnmarshalRejectsAdversarialInput(t *testing.T) {
	valid, err := (&Packet{Version: ProtocolVersion, StreamType: StreamAudio, Payload: []byte("x")}).Marshal()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"one byte", []byte{0x80}},
		{"header minus one", valid[:HeaderSize-1]},
		{"wrong version", append([]byte{0x00}, valid[1:]...)},
		{"bad stream type", func() []byte {
			d := append([]byte{}, valid...)
			d[16] = 0xFF
			return d
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			assert.ErrorIs(t, err, ErrInvalidData)
		})
	}
}

func TestUnmarshalNeverPanicsOnRandomBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		buf := make([]byte, rng.Intn(64))
		rng.Read(buf)
		// Either a packet or a typed error; a panic fails the test.
		if pkt, err := Unmarshal(buf); err == nil {
			assert.True(t, pkt.StreamType.Valid())
		}
	}
}

func TestUnmarshalCopiesPayload(t *testing.T) {
	data, err := (&Packet{Version: ProtocolVersion, StreamType: StreamAudio, Payload: []byte{1, 2, 3}}).Marshal()
	require.NoError(t, err)

	pkt, err := Unmarshal(data)
	require.NoError(t, err)

	data[HeaderSize] = 0xFF
	assert.Equal(t, []byte{1, 2, 3}, pkt.Payload)
}

func TestSequenceDistance(t *testing.T) {
	assert.Equal(t, uint16(1), SequenceDistance(5, 6))
	assert.Equal(t, uint16(0), SequenceDistance(7, 7))
	// Wraparound: 65535 -> 2 is three increments forward.
	assert.Equal(t, uint16(3), SequenceDistance(math.MaxUint16, 2))
	// A large distance means the second number is older.
	assert.Greater(t, SequenceDistance(10, 5), uint16(32767))
}

func TestStreamTypeBudgetsAndPriority(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, StreamAudio.Budget())
	assert.Equal(t, 150*time.Millisecond, StreamVideo.Budget())
	assert.Equal(t, 200*time.Millisecond, StreamScreenShare.Budget())
	assert.Equal(t, time.Duration(0), StreamData.Budget())

	assert.Equal(t,
		[numStreamTypes]StreamType{StreamAudio, StreamVideo, StreamScreenShare, StreamData},
		streamTypesByPriority)

	assert.False(t, StreamType(4).Valid())
	assert.Equal(t, "audio", StreamAudio.String())
}
