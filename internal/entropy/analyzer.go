package entropy

import "math"

// Shannon computes the Shannon entropy of s in bits per byte. Empty input
// scores zero; the maximum for arbitrary bytes is 8.
func Shannon(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	n := float64(len(s))
	h := 0.0
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// Analyzer flags strings whose byte entropy suggests encoded or packed
// content (base64 blobs, encrypted payloads, obfuscated scripts) rather
// than natural text. English prose sits around 4.0-4.5 bits per byte;
// random base64 approaches 6.
type Analyzer struct {
	Threshold float64 // bits per byte; values above are suspicious
	MinLength int     // shorter inputs are too noisy to judge
}

// NewAnalyzer returns an analyzer with default thresholds.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		Threshold: 5.4,
		MinLength: 48,
	}
}

// Assessment is the result of analyzing one string.
type Assessment struct {
	Suspicious bool
	Entropy    float64
	Length     int
}

// Analyze measures s and compares it against the analyzer's thresholds.
// Inputs shorter than MinLength are never suspicious.
func (a *Analyzer) Analyze(s string) Assessment {
	h := Shannon(s)
	return Assessment{
		Suspicious: len(s) >= a.MinLength && h > a.Threshold,
		Entropy:    h,
		Length:     len(s),
	}
}
