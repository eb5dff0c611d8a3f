package tts

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicepad/internal/config"
)

// Catalogue is the set of voices a request may pick from.
type Catalogue struct {
	voices          []config.Voice
	defaultVoice    string
	defaultLanguage string
}

func NewCatalogue(cfg config.TTSConfig) *Catalogue {
	return &Catalogue{
		voices:          append([]config.Voice(nil), cfg.Voices...),
		defaultVoice:    cfg.DefaultVoice,
		defaultLanguage: cfg.DefaultLanguage,
	}
}

func (c *Catalogue) Voices() []config.Voice {
	return append([]config.Voice(nil), c.voices...)
}

func (c *Catalogue) lookup(name string) (config.Voice, bool) {
	for _, v := range c.voices {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return config.Voice{}, false
}

// Resolve fills defaults into req and checks it can be synthesized. The
// language falls back to the voice's own, then to the configured default.
func (c *Catalogue) Resolve(req SynthRequest) (SynthRequest, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return req, ErrEmptyText
	}
	if req.Voice == "" {
		req.Voice = c.defaultVoice
	}
	voice, ok := c.lookup(req.Voice)
	if !ok {
		return req, fmt.Errorf("%w: %q", ErrUnknownVoice, req.Voice)
	}
	req.Voice = voice.Name
	if req.Language == "" {
		req.Language = voice.Language
	}
	if req.Language == "" {
		req.Language = c.defaultLanguage
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return req, nil
}
