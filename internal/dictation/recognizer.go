package dictation

import (
	"log/slog"
	"strings"
)

// recognizerAdapter binds one Recognizer to the coordinator. Provider
// callbacks are marshalled onto the host loop before they reach the
// coordinator.
type recognizerAdapter struct {
	rec Recognizer
	log *slog.Logger
}

type recognizerHandlers struct {
	text  func(string)
	error func(RecognitionError)
	end   func()
}

func newRecognizerAdapter(rec Recognizer, lang string, host Host, log *slog.Logger, h recognizerHandlers) *recognizerAdapter {
	rec.Configure(RecognizerSettings{
		Continuous:     true,
		InterimResults: true,
		Lang:           lang,
	})
	rec.OnResult(func(ev ResultEvent) {
		text := finalTranscript(ev)
		if text == "" {
			return
		}
		host.Post(func() { h.text(text) })
	})
	rec.OnError(func(err RecognitionError) {
		host.Post(func() { h.error(err) })
	})
	rec.OnEnd(func() {
		host.Post(h.end)
	})
	return &recognizerAdapter{rec: rec, log: log}
}

func (a *recognizerAdapter) start() error {
	return a.rec.Start()
}

// stop is fail-silent: the provider may already have ended on its own.
func (a *recognizerAdapter) stop() {
	if err := a.rec.Stop(); err != nil {
		a.log.Debug("recognizer stop ignored", slogError(err))
	}
}

// finalTranscript concatenates the top hypothesis of every final entry in
// the newly reported range and trims the result.
func finalTranscript(ev ResultEvent) string {
	start := ev.ResultIndex
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for i := start; i < len(ev.Results); i++ {
		res := ev.Results[i]
		if !res.Final || len(res.Alternatives) == 0 {
			continue
		}
		b.WriteString(res.Alternatives[0].Text)
	}
	return strings.TrimSpace(b.String())
}
