// Package analysis builds per-session volume analysis graphs over
// microphone streams.
package analysis

import (
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-voicepad/internal/audio"
	"github.com/loqalabs/loqa-voicepad/internal/dictation"
	"github.com/loqalabs/loqa-voicepad/internal/microphone"
)

var errClosed = errors.New("analysis graph closed")

// Context is the AudioContextFactory for microphone streams.
type Context struct{}

// NewGraph connects stream into an analyser holding the latest fftSize
// mono samples.
func (Context) NewGraph(stream dictation.MediaStream, fftSize int) (dictation.AnalysisGraph, error) {
	if fftSize < 32 || fftSize > 32768 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("fft size %d is not a power of two in [32, 32768]", fftSize)
	}
	pcm, ok := stream.(microphone.PCMStream)
	if !ok {
		return nil, fmt.Errorf("stream %T cannot be analysed", stream)
	}
	g := &Graph{ring: make([]byte, fftSize)}
	for i := range g.ring {
		g.ring[i] = 128
	}
	g.unsubscribe = pcm.Subscribe(g.write)
	return g, nil
}

// Graph is a source -> analyser pipeline over one stream.
type Graph struct {
	mu          sync.Mutex
	ring        []byte
	pos         int
	closed      bool
	unsubscribe func()
}

func (g *Graph) write(chunk audio.Chunk) {
	mono := audio.Downmix(chunk.Samples, chunk.Channels)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	for _, s := range mono {
		g.ring[g.pos] = audio.ToUint8(s)
		g.pos = (g.pos + 1) % len(g.ring)
	}
}

// ByteTimeDomainData copies the most recent samples, oldest first.
func (g *Graph) ByteTimeDomainData(dst []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.ring)
	if len(dst) < n {
		n = len(dst)
	}
	start := (g.pos + len(g.ring) - n) % len(g.ring)
	for i := 0; i < n; i++ {
		dst[i] = g.ring[(start+i)%len(g.ring)]
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 128
	}
}

func (g *Graph) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errClosed
	}
	g.closed = true
	g.mu.Unlock()
	g.unsubscribe()
	return nil
}
