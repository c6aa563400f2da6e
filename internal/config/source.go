package config

import "sync"

// StaticSource is an in-memory route table source. Set replaces the text and
// notifies subscribers synchronously.
type StaticSource struct {
	mu   sync.Mutex
	text string
	fns  []func(string)
}

// NewStaticSource returns a source holding text.
func NewStaticSource(text string) *StaticSource {
	return &StaticSource{text: text}
}

// Routes returns the current text.
func (s *StaticSource) Routes() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// OnRoutesChange registers fn for future Set calls.
func (s *StaticSource) OnRoutesChange(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

// Set replaces the text and calls every subscriber with it.
func (s *StaticSource) Set(text string) {
	s.mu.Lock()
	s.text = text
	fns := append([]func(string){}, s.fns...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(text)
	}
}
