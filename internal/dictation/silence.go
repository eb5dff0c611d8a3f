package dictation

import "time"

const (
	DefaultFFTSize          = 256
	DefaultSilenceThreshold = 5.0
	DefaultSilenceWindow    = 2000 * time.Millisecond

	midpoint = 128
)

// averageVolume is the mean absolute deviation of unsigned 8-bit samples
// from the midpoint amplitude.
func averageVolume(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum int
	for _, s := range frame {
		d := int(s) - midpoint
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return float64(sum) / float64(len(frame))
}

// tick samples one frame and applies the silence rule. It reschedules
// itself until the session is torn down.
func (c *Coordinator) tick(s *session) {
	if c.session != s || s.graph == nil {
		return
	}
	s.frame = 0

	s.graph.ByteTimeDomainData(s.samples)
	volume := averageVolume(s.samples)

	if volume > c.cfg.SilenceThreshold {
		if s.silenceTimer != nil {
			s.silenceTimer.Stop()
			s.silenceTimer = nil
		}
	} else if s.silenceTimer == nil {
		s.silenceTimer = c.host.AfterFunc(c.cfg.SilenceWindow, func() {
			c.silenceElapsed(s)
		})
	}

	s.frame = c.host.RequestFrame(func() { c.tick(s) })
}

func (c *Coordinator) silenceElapsed(s *session) {
	if c.session != s {
		return
	}
	s.silenceTimer = nil
	c.log.Debug("silence window elapsed", slogSession(s))
	c.transitionToIdle(ReasonSilence)
}
