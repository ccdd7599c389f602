// Package audio provides the PCM codec and frame types shared by the capture
// and playback pipelines.
//
// The remote live endpoint exchanges audio as base64-encoded 16-bit
// little-endian PCM. This package owns both halves of that wire format:
// float32 ↔ PCM16 sample conversion and the binary ↔ transport-text encoding.
// All functions here are pure; codec failures never terminate a session —
// callers drop the offending chunk and continue.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrTruncatedBuffer is returned by [DecodePCM16] when the input has an odd
// byte count and therefore cannot be a sequence of whole int16 samples.
var ErrTruncatedBuffer = errors.New("audio: truncated PCM16 buffer")

// EncodePCM16 converts mono float32 samples to 16-bit little-endian PCM.
// Each sample is clamped to [-1, 1] before scaling, so out-of-range input
// saturates instead of wrapping.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM to mono float32 samples in
// [-1, 1). Any even-length buffer is accepted, including empty; odd-length
// buffers fail with [ErrTruncatedBuffer].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedBuffer, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// ToTransportText encodes a binary buffer into the text-safe form used on
// the wire. Standard base64; lossless for all byte values.
func ToTransportText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromTransportText decodes a transport-text payload back into bytes.
func FromTransportText(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("audio: decode transport text: %w", err)
	}
	return data, nil
}
