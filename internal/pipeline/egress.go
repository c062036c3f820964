package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sebas/callbridge/internal/audiosocket"
	"github.com/sebas/callbridge/internal/resample"
)

// AudioWriter writes one AudioSocket AUDIO payload. It is satisfied by
// *audiosocket.Conn.
type AudioWriter interface {
	WriteAudio(payload []byte) error
}

// egressQueueCapacity is the SPSC bounded queue size applying backpressure
// on the Realtime receiver (spec.md §5).
const egressQueueCapacity = 16

// Egress converts Realtime API audio deltas (linear PCM at the Realtime
// output rate) into AudioSocket AUDIO frames at the telephony rate, paces
// writes, and implements barge-in: a speech_started event drains whatever
// is queued and holds off new audio for a grace period.
type Egress struct {
	resampler      *resample.Resampler
	writer         AudioWriter
	outputAlaw     bool
	frameBytes     int
	sampleRate     int
	bytesPerSample int
	interruptPause time.Duration

	queue   chan []byte
	stopped atomic.Bool
}

// NewEgress builds an Egress pipeline. outputFormat is "alaw" or "linear"
// (spec.md's configurable AudioSocket egress payload, §9 supplemented
// features). frameBytes is the wire size of one AudioSocket AUDIO payload
// (e.g. 160 for 20ms of alaw at 8kHz).
func NewEgress(realtimeRate, telephonyRate int, outputFormat string, frameBytes int, interruptPause time.Duration, writer AudioWriter) *Egress {
	var r *resample.Resampler
	if realtimeRate != telephonyRate {
		r = resample.New(realtimeRate, telephonyRate, 1000)
	}
	bytesPerSample := 2
	if outputFormat == "alaw" {
		bytesPerSample = 1
	}
	return &Egress{
		resampler:      r,
		writer:         writer,
		outputAlaw:     outputFormat == "alaw",
		frameBytes:     frameBytes,
		sampleRate:     telephonyRate,
		bytesPerSample: bytesPerSample,
		interruptPause: interruptPause,
		queue:          make(chan []byte, egressQueueCapacity),
	}
}

// Enqueue resamples and frames one Realtime audio delta (already
// base64-decoded to linear PCM at the Realtime rate), pushing each
// telephony-sized frame onto the egress queue. It blocks (applying
// backpressure to the caller, the Realtime receiver) when the queue is
// full, unless ctx is cancelled first. While barge-in's grace pause is
// active, new deltas are dropped rather than queued, so a late-arriving
// tail of an interrupted response cannot flood back in as soon as the
// writer resumes.
func (p *Egress) Enqueue(ctx context.Context, pcmRealtimeRate []byte) error {
	if p.stopped.Load() {
		return nil
	}

	samples := resample.BytesToInt16(pcmRealtimeRate)
	if p.resampler != nil {
		samples = p.resampler.Process(samples)
	}
	if len(samples) == 0 {
		return nil
	}
	pcmTelephony := resample.Int16ToBytes(samples)

	var payload []byte
	if p.outputAlaw {
		payload = audiosocket.PCMToAlaw(pcmTelephony)
	} else {
		payload = pcmTelephony
	}

	for i := 0; i < len(payload); i += p.frameBytes {
		end := i + p.frameBytes
		if end > len(payload) {
			end = len(payload)
		}
		frame := make([]byte, end-i)
		copy(frame, payload[i:end])

		select {
		case p.queue <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// BargeIn drains the egress queue and suppresses new audio for the
// configured interrupt pause, implementing spec.md §4.5's barge-in
// semantics: no audio queued before speech_started may reach the writer
// after the stop flag is observed.
func (p *Egress) BargeIn() {
	p.stopped.Store(true)
drain:
	for {
		select {
		case <-p.queue:
		default:
			break drain
		}
	}
	slog.Debug("[Pipeline] barge-in: egress queue drained")

	pause := p.interruptPause
	go func() {
		time.Sleep(pause)
		p.stopped.Store(false)
	}()
}

// frameDuration returns how long one telephony frame represents in
// wall-clock time, used to pace writes.
func (p *Egress) frameDuration() time.Duration {
	samples := p.frameBytes / p.bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(p.sampleRate)
}

// Run dequeues frames and writes them, pacing one frame per its own
// playback duration, until ctx is cancelled.
func (p *Egress) Run(ctx context.Context) error {
	pace := p.frameDuration()
	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-p.queue:
			if !ok {
				return nil
			}
			if p.stopped.Load() {
				continue
			}
			if err := p.writer.WriteAudio(frame); err != nil {
				return fmt.Errorf("pipeline: egress write: %w", err)
			}
			<-ticker.C
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
