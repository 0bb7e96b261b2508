package audio

import (
	"fmt"
	"time"

	"gopkg.in/hraban/opus.v2"
)

// Frame geometry shared by the whole pipeline: raw Opus frames, no container,
// 16kHz mono, 60ms per frame. One WebSocket binary message carries one frame.
const (
	SampleRate    = 16000
	Channels      = 1
	FrameDuration = 60 * time.Millisecond
	FrameSamples  = SampleRate * 60 / 1000 // 960

	// MaxFrameSamples is the largest decode a single Opus packet can produce
	// at 16kHz (120ms).
	MaxFrameSamples = SampleRate * 120 / 1000

	bitrate       = 32000
	maxPacketSize = 4000
)

// Decoder converts inbound Opus frames to PCM s16le bytes.
// Not safe for concurrent use; each session owns its own instance.
type Decoder struct {
	dec *opus.Decoder
	pcm []int16
}

// NewDecoder creates a decoder with the fixed frame geometry.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Decoder{
		dec: dec,
		pcm: make([]int16, MaxFrameSamples*Channels),
	}, nil
}

// Decode converts one Opus frame to PCM s16le bytes. A failure here means one
// corrupt frame; callers drop the frame and keep the stream going.
func (d *Decoder) Decode(frame []byte) ([]byte, error) {
	n, err := d.dec.Decode(frame, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return Int16ToBytes(d.pcm[:n*Channels]), nil
}

// Encoder converts PCM s16le audio to outbound Opus frames.
// Not safe for concurrent use; each session owns its own instance.
type Encoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewEncoder creates a VoIP-tuned encoder with the fixed frame geometry.
func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("set opus bitrate: %w", err)
	}
	return &Encoder{
		enc: enc,
		buf: make([]byte, maxPacketSize),
	}, nil
}

// Encode produces one Opus frame from exactly FrameSamples samples.
func (e *Encoder) Encode(samples []int16) ([]byte, error) {
	if len(samples) != FrameSamples*Channels {
		return nil, fmt.Errorf("opus encode: need %d samples, got %d", FrameSamples*Channels, len(samples))
	}
	n, err := e.enc.Encode(samples, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// EncodeAll splits a PCM s16le byte stream into fixed-duration Opus frames.
// A trailing partial frame is zero-padded with silence so every encoded
// sequence ends on a full frame boundary.
func (e *Encoder) EncodeAll(pcm []byte) ([][]byte, error) {
	samples := BytesToInt16(pcm)
	frameLen := FrameSamples * Channels
	frames := make([][]byte, 0, len(samples)/frameLen+1)

	for off := 0; off < len(samples); off += frameLen {
		chunk := samples[off:min(off+frameLen, len(samples))]
		if len(chunk) < frameLen {
			padded := make([]int16, frameLen)
			copy(padded, chunk)
			chunk = padded
		}
		frame, err := e.Encode(chunk)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

var silencePCM = make([]byte, FrameSamples*Channels*2)

// SilencePCM returns one frame's worth of PCM silence. Used as keep-alive
// padding for the recognizer and as the busy-state substitute for device audio.
// Callers must not mutate the returned slice.
func SilencePCM() []byte {
	return silencePCM
}
