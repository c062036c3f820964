// Package pipeline implements the bidirectional audio pipeline between an
// AudioSocket connection and a Realtime session: ingress converts telephony
// audio to the format the Realtime API expects, egress does the reverse and
// applies barge-in preemption (spec.md §4.5).
package pipeline

import (
	"github.com/sebas/callbridge/internal/audiosocket"
	"github.com/sebas/callbridge/internal/resample"
)

// AudioSender delivers one ingress frame to the Realtime session. It is
// satisfied by *realtime.Session.
type AudioSender interface {
	SendAudio(payload []byte) error
}

// Ingress converts AudioSocket AUDIO payloads into linear PCM at the
// Realtime API's input rate and forwards them. The payload is alaw unless
// inputFormat is "pcm16" (spec.md §6 INPUT_FORMAT), in which case it is
// already linear PCM and the decode step is skipped.
type Ingress struct {
	inputFormat string
	resampler   *resample.Resampler
	sender      AudioSender
}

// NewIngress builds an Ingress pipeline. If telephonyRate == realtimeRate no
// resampling is performed. inputFormat is spec.md's INPUT_FORMAT
// ("g711_alaw" or "pcm16"); any value other than "pcm16" is treated as alaw.
func NewIngress(telephonyRate, realtimeRate int, inputFormat string, sender AudioSender) *Ingress {
	var r *resample.Resampler
	if telephonyRate != realtimeRate {
		r = resample.New(telephonyRate, realtimeRate, 1000)
	}
	return &Ingress{inputFormat: inputFormat, resampler: r, sender: sender}
}

// HandleFrame decodes one AUDIO payload (alaw, unless inputFormat is
// "pcm16"), resamples it if needed, and sends it to the Realtime session
// (spec.md §4.5 ingress steps 1-3).
func (p *Ingress) HandleFrame(payload []byte) error {
	pcm := payload
	if p.inputFormat != "pcm16" {
		pcm = audiosocket.AlawToPCM(payload)
	}
	samples := resample.BytesToInt16(pcm)
	if p.resampler != nil {
		samples = p.resampler.Process(samples)
		if len(samples) == 0 {
			return nil
		}
	}
	return p.sender.SendAudio(resample.Int16ToBytes(samples))
}
