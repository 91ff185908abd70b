// Package parser extracts a ratio/confidence recommendation from the
// free-text payload returned by the oracle provider.
//
// The payload is expected to carry a "RATIO:<percent>" token and a
// "CONFIDENCE:<score>" token, in any order and possibly surrounded by prose.
// Malformed input degrades to defaults rather than failing the request.
package parser

import "strings"

const (
	DefaultRatio      = 15000 // bps
	DefaultConfidence = 50

	ratioTag      = "RATIO:"
	confidenceTag = "CONFIDENCE:"

	maxRatioDigits      = 3
	maxConfidenceDigits = 2
)

// Result is a parsed recommendation. Ratio is in basis points.
type Result struct {
	Ratio      int  `json:"ratio"`
	Confidence int  `json:"confidence"`
	RatioFound bool `json:"ratio_found"`
	ConfFound  bool `json:"confidence_found"`
}

// Parse scans text for the first RATIO and CONFIDENCE tags. It never fails.
func Parse(text string) Result {
	res := Result{Ratio: DefaultRatio, Confidence: DefaultConfidence}

	if pct, ok := readTagged(text, ratioTag, maxRatioDigits); ok && pct > 0 {
		res.Ratio = pct * 100
		res.RatioFound = true
	}

	if c, ok := readTagged(text, confidenceTag, maxConfidenceDigits); ok && c >= 0 && c <= 100 {
		res.Confidence = c
		res.ConfFound = true
	}

	return res
}

// readTagged locates the first occurrence of tag and reads up to maxDigits
// decimal digits immediately following it.
func readTagged(text, tag string, maxDigits int) (int, bool) {
	idx := strings.Index(text, tag)
	if idx < 0 {
		return 0, false
	}
	rest := text[idx+len(tag):]

	n, digits := 0, 0
	for digits < maxDigits && digits < len(rest) {
		c := rest[digits]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
		digits++
	}
	if digits == 0 {
		return 0, false
	}
	return n, true
}
