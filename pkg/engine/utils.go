package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatVector renders a vector as comma-separated values with the minimum
// precision that round-trips through float32.
func FormatVector(v []float32) string {
	var b strings.Builder
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	return b.String()
}

// ParseVector parses values separated by commas, whitespace, or both.
// Surrounding brackets are accepted, so "[1, 0, 0]" and "1 0 0" are equal.
func ParseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(parts) == 0 {
		return nil, fmt.Errorf("vector string is empty")
	}
	vector := make([]float32, len(parts))
	for i, part := range parts {
		val, err := strconv.ParseFloat(part, 32)
		if err != nil {
			return nil, fmt.Errorf("vector component %d: %w", i, err)
		}
		vector[i] = float32(val)
	}
	return vector, nil
}
