// Package chime renders the short notification sound played when a prompt
// appears.
package chime

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/ent0n29/promptsync/internal/resource"
)

const ContentType = "audio/wav"

// Params describes a two-note chime.
type Params struct {
	SampleRate int
	NoteHz     [2]float64
	NoteLength time.Duration
	Gain       float64
}

func DefaultParams() Params {
	return Params{
		SampleRate: 22050,
		NoteHz:     [2]float64{880, 1318.51},
		NoteLength: 120 * time.Millisecond,
		Gain:       0.35,
	}
}

type Sound struct {
	WAV        []byte
	SampleRate int
	Duration   time.Duration
}

// Render synthesizes the chime as a WAV file. Each note fades out
// exponentially to avoid clicks at note boundaries.
func Render(p Params) (Sound, error) {
	if p.SampleRate <= 0 || p.NoteLength <= 0 {
		return Sound{}, errors.New("chime: sample rate and note length must be positive")
	}
	if p.Gain <= 0 || p.Gain > 1 {
		return Sound{}, errors.New("chime: gain must be in (0,1]")
	}

	perNote := int(float64(p.SampleRate) * p.NoteLength.Seconds())
	pcm := make([]byte, 0, 2*perNote*len(p.NoteHz))
	var sample [2]byte
	for _, hz := range p.NoteHz {
		for i := 0; i < perNote; i++ {
			t := float64(i) / float64(p.SampleRate)
			env := math.Exp(-5 * float64(i) / float64(perNote))
			v := p.Gain * env * math.Sin(2*math.Pi*hz*t)
			binary.LittleEndian.PutUint16(sample[:], uint16(int16(v*math.MaxInt16)))
			pcm = append(pcm, sample[:]...)
		}
	}

	wav, err := encodeWAVPCM16LE(pcm, p.SampleRate)
	if err != nil {
		return Sound{}, err
	}
	return Sound{
		WAV:        wav,
		SampleRate: p.SampleRate,
		Duration:   time.Duration(len(p.NoteHz)) * p.NoteLength,
	}, nil
}

// NewShared returns the process-wide chime handle. The sound is rendered on
// first use and dropped once nobody holds it.
func NewShared(p Params) *resource.Shared[Sound] {
	return resource.NewShared(func(context.Context) (Sound, error) {
		return Render(p)
	}, nil)
}
