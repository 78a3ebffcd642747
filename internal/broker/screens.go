package broker

import (
	"fmt"
	"sync"
)

// Screens hands out 4-digit screen numbers, wrapping inside [from, to].
type Screens struct {
	mu       sync.Mutex
	from, to int
	next     int
}

func NewScreens(from, to int) *Screens {
	return &Screens{from: from, to: to, next: from}
}

func (s *Screens) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	if s.next > s.to {
		s.next = s.from
	}
	return fmt.Sprintf("%04d", n)
}
