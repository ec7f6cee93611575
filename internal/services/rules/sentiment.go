package rules

import (
	"strings"
)

// Keyword weights for crypto headlines. Positive words add, negative words
// subtract; the polarity of a text is the mean over matched words.
var (
	positiveWords = map[string]float64{
		"surge": 1.0, "soar": 1.0, "skyrocket": 1.0, "breakout": 0.95,
		"bullish": 0.95, "rally": 0.95, "listing": 0.9, "listed": 0.85,
		"partnership": 0.85, "adoption": 0.85, "approval": 0.9, "approved": 0.9,
		"upgrade": 0.8, "mainnet": 0.8, "launch": 0.7, "integration": 0.75,
		"record": 0.7, "gain": 0.7, "gains": 0.7, "growth": 0.7,
		"jump": 0.8, "jumps": 0.8, "etf": 0.6, "buyback": 0.75,
		"accumulation": 0.6, "inflows": 0.65, "outperform": 0.8, "beat": 0.6,
	}
	negativeWords = map[string]float64{
		"crash": 1.0, "plunge": 1.0, "hack": 1.0, "hacked": 1.0,
		"exploit": 1.0, "rug": 1.0, "scam": 1.0, "fraud": 1.0,
		"delist": 0.95, "delisting": 0.95, "bearish": 0.85, "lawsuit": 0.85,
		"sued": 0.85, "ban": 0.85, "banned": 0.85, "dump": 0.85,
		"selloff": 0.8, "decline": 0.7, "drop": 0.7, "drops": 0.7,
		"outflows": 0.65, "investigation": 0.75, "subpoena": 0.75,
		"liquidation": 0.7, "liquidations": 0.7, "downgrade": 0.8, "fine": 0.5,
		"vulnerability": 0.8, "insolvent": 1.0, "bankruptcy": 1.0,
	}
)

// KeywordPolarity scores text in [-1,1]. matched is false when no lexicon word
// occurs, in which case the polarity carries no information.
func KeywordPolarity(text string) (polarity float64, matched bool) {
	var sum float64
	var n int
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}-$#")
		if w == "" {
			continue
		}
		if v, ok := positiveWords[w]; ok {
			sum += v
			n++
		} else if v, ok := negativeWords[w]; ok {
			sum -= v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	p := sum / float64(n)
	if p > 1 {
		p = 1
	} else if p < -1 {
		p = -1
	}
	return p, true
}
