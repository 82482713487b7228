package voice

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"gopkg.in/hraban/opus.v2"
)

const (
	playbackFrameSamples = 960 // 20ms at 48kHz
	playbackFrameWindow  = 20 * time.Millisecond
)

// VoiceSender is the outbound half of a voice connection.
type VoiceSender interface {
	Speaking(b bool) error
	OpusSend() chan<- []byte
}

// Player encodes mono 48kHz PCM to opus frames and paces them into a voice
// connection at real-time rate.
type Player struct {
	sender VoiceSender
	enc    *opus.Encoder
}

func NewPlayer(sender VoiceSender) (*Player, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &Player{sender: sender, enc: enc}, nil
}

// PlayPCM plays 48kHz mono PCM16LE audio. It blocks until the audio has
// been sent or the context is cancelled.
func (p *Player) PlayPCM(ctx context.Context, pcm []byte) error {
	samples := pcmToInt16(pcm)
	if len(samples) == 0 {
		return nil
	}

	if err := p.sender.Speaking(true); err != nil {
		return fmt.Errorf("set speaking: %w", err)
	}
	defer p.sender.Speaking(false)

	frame := make([]int16, playbackFrameSamples)
	packet := make([]byte, 4000)
	ticker := time.NewTicker(playbackFrameWindow)
	defer ticker.Stop()

	for off := 0; off < len(samples); off += playbackFrameSamples {
		end := off + playbackFrameSamples
		if end > len(samples) {
			end = len(samples)
		}
		// zero-pad the final short frame
		n := copy(frame, samples[off:end])
		for i := n; i < playbackFrameSamples; i++ {
			frame[i] = 0
		}

		written, err := p.enc.Encode(frame, packet)
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.sender.OpusSend() <- append([]byte(nil), packet[:written]...):
		}
	}
	return nil
}

// PlayCue plays the short acknowledgement tone used when the assistant
// starts listening to a speaker.
func (p *Player) PlayCue(ctx context.Context) error {
	return p.PlayPCM(ctx, ackCuePCM())
}

// PlayWAV parses a WAV body, normalizes it to 48kHz mono, and plays it.
func (p *Player) PlayWAV(ctx context.Context, wav []byte) error {
	samples, rate, err := decodeWAV(wav)
	if err != nil {
		return err
	}
	if rate != sampleRate {
		samples = resample(samples, rate, sampleRate)
	}
	return p.PlayPCM(ctx, int16ToPCM(samples))
}

// ackCuePCM generates a 150ms 880Hz tone with a short fade at both ends.
func ackCuePCM() []byte {
	const (
		cueDur  = 150 * time.Millisecond
		cueFreq = 880.0
		cueAmp  = 6000.0
	)
	n := int(sampleRate * cueDur.Seconds())
	fade := sampleRate / 100 // 10ms ramp
	samples := make([]int16, n)
	for i := range samples {
		v := cueAmp * math.Sin(2*math.Pi*cueFreq*float64(i)/sampleRate)
		if i < fade {
			v *= float64(i) / float64(fade)
		}
		if n-i < fade {
			v *= float64(n-i) / float64(fade)
		}
		samples[i] = int16(v)
	}
	return int16ToPCM(samples)
}

// decodeWAV extracts mono int16 samples and the sample rate from a RIFF
// body. Multi-channel audio is downmixed by averaging.
func decodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE body")
	}

	var (
		channels int
		rate     int
		bits     int
		pcm      []byte
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if off+size > len(data) {
			return nil, 0, fmt.Errorf("truncated %q chunk", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("short fmt chunk")
			}
			channels = int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
			rate = int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
			bits = int(binary.LittleEndian.Uint16(data[off+14 : off+16]))
		case "data":
			pcm = data[off : off+size]
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}

	if channels == 0 || rate == 0 || pcm == nil {
		return nil, 0, fmt.Errorf("missing fmt or data chunk")
	}
	if bits != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth %d", bits)
	}

	frames := len(pcm) / (2 * channels)
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[(i*channels+c)*2:])))
		}
		mono[i] = int16(sum / channels)
	}
	return mono, rate, nil
}

// resample does linear interpolation between the two rates. Good enough
// for synthesized speech.
func resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(float64(len(in)) * float64(to) / float64(from))
	out := make([]int16, n)
	for i := range out {
		pos := float64(i) * float64(from) / float64(to)
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}

func pcmToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

func int16ToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
