package model

import "strings"

// Symbol is a listed equity known to the process. It is created on first reference and kept
// for the process lifetime.
type Symbol struct {
	Code      string `json:"code" db:"symbol"`
	Name      string `json:"name" db:"name"`
	PrevClose int64  `json:"prev_close" db:"prev_close"`
	LastPrice int64  `json:"last_price" db:"last_price"`
}

// NormalizeCode strips the "A" market prefix and padding the broker puts on chejan codes.
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) == 7 && (code[0] == 'A' || code[0] == 'J' || code[0] == 'Q') {
		return code[1:]
	}
	return code
}

// AbsPrice removes the direction sign the broker prefixes on real-time prices.
func AbsPrice(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
