package runtime

import (
	"strings"
	"sync"
	"unicode"
)

// Transcript is the text area dictation appends to.
type Transcript struct {
	mu   sync.Mutex
	text strings.Builder
}

// Append adds text, separated from what came before by a single space.
func (t *Transcript) Append(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.text.Len() > 0 {
		current := t.text.String()
		if last := rune(current[len(current)-1]); !unicode.IsSpace(last) {
			t.text.WriteByte(' ')
		}
	}
	t.text.WriteString(text)
}

func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text.Reset()
}
