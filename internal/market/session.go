package market

import (
	"sync/atomic"
	"time"
)

type Phase int32

const (
	PhaseUnknown Phase = iota
	PhasePreAuction
	PhaseRegular
	PhaseClosingAuction
	PhasePostMarket
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhasePreAuction:
		return "pre_auction"
	case PhaseRegular:
		return "regular"
	case PhaseClosingAuction:
		return "closing_auction"
	case PhasePostMarket:
		return "post_market"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session answers whether orders may be admitted right now.
type Session interface {
	Phase() Phase
	Regular() bool
}

// ParsePhase maps the 장운영구분 value of the session real-data (FID 215).
func ParsePhase(code string) Phase {
	switch code {
	case "0":
		return PhasePreAuction
	case "3":
		return PhaseRegular
	case "2":
		return PhaseClosingAuction
	case "4", "a", "b", "c":
		return PhasePostMarket
	case "8", "9", "d":
		return PhaseClosed
	default:
		return PhaseUnknown
	}
}

var _kst = time.FixedZone("KST", 9*60*60)

// PhaseAt is the nominal KRX schedule used until the broker pushes a phase.
func PhaseAt(t time.Time) Phase {
	t = t.In(_kst)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return PhaseClosed
	}
	m := t.Hour()*60 + t.Minute()
	switch {
	case m >= 8*60+30 && m < 9*60:
		return PhasePreAuction
	case m >= 9*60 && m < 15*60+20:
		return PhaseRegular
	case m >= 15*60+20 && m < 15*60+30:
		return PhaseClosingAuction
	case m >= 15*60+30 && m < 18*60:
		return PhasePostMarket
	default:
		return PhaseClosed
	}
}

// LiveSession follows broker phase pushes and falls back to the nominal schedule.
type LiveSession struct {
	clock Clock
	phase atomic.Int32
}

func NewLiveSession(clock Clock) *LiveSession {
	return &LiveSession{clock: clock}
}

func (s *LiveSession) Set(p Phase) {
	s.phase.Store(int32(p))
}

func (s *LiveSession) Phase() Phase {
	if p := Phase(s.phase.Load()); p != PhaseUnknown {
		return p
	}
	return PhaseAt(s.clock.Now())
}

func (s *LiveSession) Regular() bool {
	return s.Phase() == PhaseRegular
}

// AlwaysOpen is the session used by every simulation mode.
type AlwaysOpen struct{}

func (AlwaysOpen) Phase() Phase { return PhaseRegular }

func (AlwaysOpen) Regular() bool { return true }

// TradingDay formats t as the YYYYMMDD key used by the journal and conclusion tables.
func TradingDay(t time.Time) string {
	return t.In(_kst).Format("20060102")
}

// KST returns the exchange time zone.
func KST() *time.Location {
	return _kst
}
