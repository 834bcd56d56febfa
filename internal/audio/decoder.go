/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// Decode failure reasons, surfaced verbatim in error responses
const (
	ReasonInvalidBase64    = "invalid base64"
	ReasonUnreadableAudio  = "unreadable audio / unsupported codec"
	ReasonEmptyPayload     = "empty audio payload"
	ReasonDurationExceeded = "audio exceeds maximum duration"
)

// DecodeError is returned when a payload cannot be turned into a waveform
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
	}
	return "decode error: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Format is a container format recognized from the payload bytes
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
)

// WAVE format tags from the fmt chunk
const (
	wavFormatPCM        uint16 = 0x0001
	wavFormatIEEEFloat  uint16 = 0x0003
	wavFormatALaw       uint16 = 0x0006
	wavFormatMuLaw      uint16 = 0x0007
	wavFormatExtensible uint16 = 0xFFFE
)

// Decoder converts base64 payloads into mono waveforms at a fixed target rate.
// It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	targetRate  int
	maxDuration time.Duration
}

// DecoderOption configures a Decoder
type DecoderOption func(*Decoder)

// WithMaxDuration rejects audio longer than d (0 disables the check)
func WithMaxDuration(d time.Duration) DecoderOption {
	return func(dec *Decoder) {
		if d >= 0 {
			dec.maxDuration = d
		}
	}
}

// NewDecoder creates a decoder that resamples everything to targetRate
func NewDecoder(targetRate int, opts ...DecoderOption) *Decoder {
	d := &Decoder{targetRate: targetRate}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode base64-decodes the payload and decodes the audio it contains.
// The container format is inferred from the bytes, never from a declared hint.
func (d *Decoder) Decode(payload string) (Waveform, error) {
	data, err := DecodeBase64(payload)
	if err != nil {
		return Waveform{}, err
	}
	return d.DecodeBytes(data)
}

// DecodeBase64 decodes a standard (padded or unpadded) base64 payload
func DecodeBase64(payload string) ([]byte, error) {
	payload = strings.Join(strings.Fields(payload), "")
	if payload == "" {
		return nil, &DecodeError{Reason: ReasonEmptyPayload}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(payload)
		if rawErr != nil {
			return nil, &DecodeError{Reason: ReasonInvalidBase64, Err: err}
		}
	}

	if len(data) == 0 {
		return nil, &DecodeError{Reason: ReasonEmptyPayload}
	}
	return data, nil
}

// DecodeBytes decodes raw container bytes into a mono waveform at the target rate
func (d *Decoder) DecodeBytes(data []byte) (wf Waveform, err error) {
	if len(data) == 0 {
		return Waveform{}, &DecodeError{Reason: ReasonEmptyPayload}
	}

	// Third-party codecs must never take the process down on hostile input
	defer func() {
		if r := recover(); r != nil {
			wf = Waveform{}
			err = &DecodeError{Reason: ReasonUnreadableAudio, Err: fmt.Errorf("codec panic: %v", r)}
		}
	}()

	var (
		samples []float64
		rate    int
	)

	switch SniffFormat(data) {
	case FormatWAV:
		samples, rate, err = d.decodeWAV(data)
	case FormatMP3:
		samples, rate, err = d.decodeMP3(data)
	default:
		err = &DecodeError{Reason: ReasonUnreadableAudio, Err: errors.New("unrecognized container")}
	}
	if err != nil {
		return Waveform{}, err
	}

	if rate != d.targetRate {
		samples, err = resample(samples, rate, d.targetRate)
		if err != nil {
			return Waveform{}, &DecodeError{Reason: ReasonUnreadableAudio, Err: err}
		}
	}

	return Waveform{Samples: samples, SampleRate: d.targetRate}, nil
}

// SniffFormat identifies the container from its magic bytes
func SniffFormat(data []byte) Format {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MPEG audio frame sync
		return FormatMP3
	default:
		return FormatUnknown
	}
}

// maxFrames returns the largest per-channel frame count allowed at rate, or 0 for no limit
func (d *Decoder) maxFrames(rate int) int {
	if d.maxDuration <= 0 {
		return 0
	}
	return int(d.maxDuration.Seconds() * float64(rate))
}

func (d *Decoder) decodeWAV(data []byte) ([]float64, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, &DecodeError{Reason: ReasonUnreadableAudio, Err: errors.New("invalid WAV header")}
	}

	rate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	if rate <= 0 || channels <= 0 || bitDepth <= 0 {
		return nil, 0, &DecodeError{Reason: ReasonUnreadableAudio, Err: errors.New("invalid WAV format")}
	}

	format := dec.WavAudioFormat
	if format == wavFormatExtensible {
		sub, err := wavSubFormat(data)
		if err != nil {
			return nil, 0, &DecodeError{Reason: ReasonUnreadableAudio, Err: err}
		}
		format = sub
	}

	return d.decodeWAVSamples(dec, format, rate, channels, bitDepth)
}

func (d *Decoder) decodeWAVSamples(dec *wav.Decoder, format uint16, rate, channels, bitDepth int) ([]float64, int, error) {
	var sample func(v int) float64

	switch {
	case format == wavFormatPCM && bitDepth == 8:
		// 8-bit WAV is unsigned
		sample = func(v int) float64 { return (float64(v) - 128) / 128 }
	case format == wavFormatPCM && (bitDepth == 16 || bitDepth == 24 || bitDepth == 32):
		scale := float64(int64(1) << (bitDepth - 1))
		sample = func(v int) float64 { return float64(v) / scale }
	case format == wavFormatIEEEFloat && bitDepth == 32:
		// the PCM buffer carries the raw IEEE-754 bits
		sample = func(v int) float64 { return float64(math.Float32frombits(uint32(int32(v)))) }
	case format == wavFormatALaw, format == wavFormatMuLaw:
		return nil, 0, &DecodeError{Reason: ReasonUnreadableAudio, Err: fmt.Errorf("companded WAV (format %d) is not supported", format)}
	default:
		return nil, 0, &DecodeError{Reason: ReasonUnreadableAudio, Err: fmt.Errorf("unsupported WAV encoding: format %d, %d-bit", format, bitDepth)}
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, &DecodeError{Reason: ReasonUnreadableAudio, Err: err}
	}

	frames := len(buf.Data) / channels
	if limit := d.maxFrames(rate); limit > 0 && frames > limit {
		return nil, 0, &DecodeError{Reason: ReasonDurationExceeded}
	}

	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += sample(buf.Data[i*channels+ch])
		}
		if math.IsNaN(sum) || math.IsInf(sum, 0) {
			return nil, 0, &DecodeError{Reason: ReasonUnreadableAudio, Err: errors.New("non-finite float sample")}
		}
		samples[i] = sum / float64(channels)
	}

	return samples, rate, nil
}

// wavSubFormat reads the format tag out of a WAVE_FORMAT_EXTENSIBLE fmt
// chunk; the wav decoder skips the extension block.
func wavSubFormat(data []byte) (uint16, error) {
	parser := riff.New(bytes.NewReader(data))
	if err := parser.ParseHeaders(); err != nil {
		return 0, err
	}

	for {
		chunk, err := parser.NextChunk()
		if err != nil {
			return 0, fmt.Errorf("fmt chunk not found: %w", err)
		}
		if chunk.ID != riff.FmtID {
			chunk.Drain()
			continue
		}

		// 16 bytes of base fmt, cbSize, valid bits, channel mask, then the sub-format GUID
		const subFormatOffset = 24
		if chunk.Size < subFormatOffset+2 || chunk.Size > len(data) {
			return 0, errors.New("truncated extensible fmt chunk")
		}
		body := make([]byte, chunk.Size)
		if _, err := io.ReadFull(chunk, body); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint16(body[subFormatOffset:]), nil
	}
}

func (d *Decoder) decodeMP3(data []byte) ([]float64, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, &DecodeError{Reason: ReasonUnreadableAudio, Err: err}
	}

	rate := dec.SampleRate()
	if rate <= 0 {
		return nil, 0, &DecodeError{Reason: ReasonUnreadableAudio, Err: errors.New("invalid MP3 sample rate")}
	}

	// go-mp3 always yields interleaved 16-bit little-endian stereo
	const bytesPerFrame = 4

	var src io.Reader = dec
	limit := d.maxFrames(rate)
	if limit > 0 {
		src = io.LimitReader(dec, int64(limit+1)*bytesPerFrame)
	}

	pcm, err := io.ReadAll(src)
	if err != nil {
		return nil, 0, &DecodeError{Reason: ReasonUnreadableAudio, Err: err}
	}

	frames := len(pcm) / bytesPerFrame
	if limit > 0 && frames > limit {
		return nil, 0, &DecodeError{Reason: ReasonDurationExceeded}
	}

	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		j := i * bytesPerFrame
		l := int16(uint16(pcm[j]) | uint16(pcm[j+1])<<8)
		r := int16(uint16(pcm[j+2]) | uint16(pcm[j+3])<<8)
		samples[i] = (float64(l) + float64(r)) / 2 / 32768.0
	}

	return samples, rate, nil
}
