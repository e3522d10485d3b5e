package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/chadiek/kb-voice-agent/internal/audio"
)

const (
	frameDuration = 20 * time.Millisecond
	// frameSamples is one 20ms frame at 48kHz.
	frameSamples = 960
	tailFrames   = 10
	maxOpusPkt   = 4000
)

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

type frameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// OpusPacedWriter encodes 48kHz mono PCM16 into Opus and writes one frame
// to the track every 20ms. It implements agent.AudioSink.
type OpusPacedWriter struct {
	enc    frameEncoder
	track  sampleWriter
	frames chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	pcmBuf  []int16
	odd     []byte
	stopped bool
}

// NewOpusPacedWriter starts a pacer writing to track.
func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(audio.PCM48k.SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := newPacedWriter(enc, track)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc frameEncoder, track sampleWriter) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
}

// Write buffers PCM and queues every complete frame. A trailing odd byte is
// kept for the next call.
func (w *OpusPacedWriter) Write(pcm []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.odd) > 0 {
		pcm = append(append([]byte(nil), w.odd...), pcm...)
		w.odd = w.odd[:0]
	}
	if len(pcm)%2 == 1 {
		w.odd = append(w.odd, pcm[len(pcm)-1])
		pcm = pcm[:len(pcm)-1]
	}
	w.pcmBuf = append(w.pcmBuf, audio.PCM16ToSamples(pcm)...)

	for len(w.pcmBuf) >= frameSamples {
		w.encodeLocked(w.pcmBuf[:frameSamples])
		n := copy(w.pcmBuf, w.pcmBuf[frameSamples:])
		w.pcmBuf = w.pcmBuf[:n]
	}
}

// Flush zero-pads the remainder to a full frame and appends a short silence
// tail so the end of a reply is not clipped.
func (w *OpusPacedWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.odd = w.odd[:0]
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeLocked(pad)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, frameSamples)
	for i := 0; i < tailFrames; i++ {
		w.encodeLocked(silence)
	}
}

// Reset drops buffered and queued audio.
func (w *OpusPacedWriter) Reset() {
	w.drain()
	w.mu.Lock()
	w.pcmBuf = w.pcmBuf[:0]
	w.odd = w.odd[:0]
	w.mu.Unlock()
	w.drain()
}

// Close stops the pacer. Queued frames are discarded.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

// Pending reports the number of queued frames.
func (w *OpusPacedWriter) Pending() int { return len(w.frames) }

func (w *OpusPacedWriter) drain() {
	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

func (w *OpusPacedWriter) encodeLocked(frame []int16) {
	if w.enc == nil {
		return
	}
	buf := make([]byte, maxOpusPkt)
	n, err := w.enc.Encode(frame, buf)
	if err != nil || n <= 0 {
		return
	}
	w.pushFrame(buf[:n])
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}

// pushFrame blocks until the frame is queued or the writer is stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}
