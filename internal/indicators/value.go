package indicators

// Value is a single indicator reading. Valid is false while the warmup
// window has not been filled; V is meaningless in that case.
type Value struct {
	V     float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// Undefined returns a reading with no value.
func Undefined() Value { return Value{} }

// Defined wraps v as a valid reading.
func Defined(v float64) Value { return Value{V: v, Valid: true} }

// Or returns the value when defined, fallback otherwise.
func (v Value) Or(fallback float64) float64 {
	if !v.Valid {
		return fallback
	}
	return v.V
}

// Series is an indicator output aligned index-for-index with its input.
type Series []Value

// Last returns the most recent reading, or Undefined for an empty series.
func (s Series) Last() Value {
	return s.FromEnd(0)
}

// FromEnd returns the reading n positions before the last one.
func (s Series) FromEnd(n int) Value {
	i := len(s) - 1 - n
	if n < 0 || i < 0 {
		return Undefined()
	}
	return s[i]
}
