package chart

import "github.com/STTM-NSU/trading-core/internal/model"

// Series is a chronological window of bars. Accessors take an offset counted back from the
// newest bar, 0 being the in-progress one.
type Series []model.Bar

func (s Series) Len() int {
	return len(s)
}

func (s Series) At(offset int) (model.Bar, bool) {
	i := len(s) - 1 - offset
	if offset < 0 || i < 0 {
		return model.Bar{}, false
	}
	return s[i], true
}

func (s Series) Open(offset int) float64 {
	b, _ := s.At(offset)
	return b.Open
}

func (s Series) High(offset int) float64 {
	b, _ := s.At(offset)
	return b.High
}

func (s Series) Low(offset int) float64 {
	b, _ := s.At(offset)
	return b.Low
}

func (s Series) Close(offset int) float64 {
	b, _ := s.At(offset)
	return b.Close
}

func (s Series) Volume(offset int) float64 {
	b, _ := s.At(offset)
	return b.Volume
}

func (s Series) Turnover(offset int) float64 {
	b, _ := s.At(offset)
	return b.Turnover
}

type Field string

const (
	FieldOpen     Field = "open"
	FieldHigh     Field = "high"
	FieldLow      Field = "low"
	FieldClose    Field = "close"
	FieldVolume   Field = "volume"
	FieldTurnover Field = "turnover"
)

func (f Field) Valid() bool {
	switch f {
	case FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume, FieldTurnover:
		return true
	default:
		return false
	}
}

// Values extracts one column in chronological order.
func (s Series) Values(f Field) []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		switch f {
		case FieldOpen:
			out[i] = b.Open
		case FieldHigh:
			out[i] = b.High
		case FieldLow:
			out[i] = b.Low
		case FieldVolume:
			out[i] = b.Volume
		case FieldTurnover:
			out[i] = b.Turnover
		default:
			out[i] = b.Close
		}
	}
	return out
}

func (s Series) Closes() []float64 {
	return s.Values(FieldClose)
}

// Upto drops the newest offset bars so indicators can be read in the past.
func (s Series) Upto(offset int) Series {
	if offset <= 0 {
		return s
	}
	if offset >= len(s) {
		return nil
	}
	return s[:len(s)-offset]
}
