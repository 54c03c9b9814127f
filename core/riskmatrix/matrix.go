package riskmatrix

import (
	"errors"
	"fmt"
	"strings"
)

// Level is an operational risk level, ordered L < M < H < EH.
type Level string

const (
	Low           Level = "L"
	Medium        Level = "M"
	High          Level = "H"
	ExtremelyHigh Level = "EH"
)

var ErrInvalidRiskInput = errors.New("invalid risk input")

var order = map[Level]int{
	Low:           0,
	Medium:        1,
	High:          2,
	ExtremelyHigh: 3,
}

// matrix maps severity (A..D) x likelihood (I..V) to a risk level, following
// the standard ORM severity/probability worksheet.
var matrix = map[string]map[string]Level{
	"A": {"I": ExtremelyHigh, "II": ExtremelyHigh, "III": High, "IV": High, "V": Medium},
	"B": {"I": ExtremelyHigh, "II": High, "III": High, "IV": Medium, "V": Low},
	"C": {"I": High, "II": High, "III": Medium, "IV": Low, "V": Low},
	"D": {"I": Medium, "II": Medium, "III": Low, "IV": Low, "V": Low},
}

// FromCodes resolves a severity/likelihood pair to its risk level. Codes are
// case-insensitive; unknown pairs fail with ErrInvalidRiskInput.
func FromCodes(severity, likelihood string) (Level, error) {
	sev := strings.ToUpper(strings.TrimSpace(severity))
	lik := strings.ToUpper(strings.TrimSpace(likelihood))
	row, ok := matrix[sev]
	if !ok {
		return "", fmt.Errorf("%w: severity %q", ErrInvalidRiskInput, severity)
	}
	level, ok := row[lik]
	if !ok {
		return "", fmt.Errorf("%w: likelihood %q", ErrInvalidRiskInput, likelihood)
	}
	return level, nil
}

// Parse validates a stored risk level value.
func Parse(raw string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := order[level]; !ok {
		return "", fmt.Errorf("%w: risk level %q", ErrInvalidRiskInput, raw)
	}
	return level, nil
}

func (l Level) Valid() bool {
	_, ok := order[l]
	return ok
}

// Rank returns the position of l in the total order; invalid levels rank
// below Low so a corrupted value never inflates an aggregate.
func (l Level) Rank() int {
	if r, ok := order[l]; ok {
		return r
	}
	return -1
}

func Less(a, b Level) bool {
	return a.Rank() < b.Rank()
}

func MaxLevel(a, b Level) Level {
	if Less(a, b) {
		return b
	}
	return a
}

// Blocking reports whether a form with this highest residual risk may not be
// approved.
func Blocking(l Level) bool {
	return l == High || l == ExtremelyHigh
}

// HighestResidual returns the maximum residual risk over a hazard set, Low for
// an empty set.
func HighestResidual(residuals []Level) Level {
	highest := Low
	for _, r := range residuals {
		highest = MaxLevel(highest, r)
	}
	return highest
}
