// Package session manages the session archive lifecycle: style-feature
// extraction for the interaction log and LLM summarization of expired
// sessions.
//
// All exported types are safe for concurrent use.
package session

import (
	"math"
	"strings"
)

// hedgeMarkers are the bilingual hedging phrases counted by [StyleMetrics].
// Matching is substring-based and case-insensitive for the Latin entries.
var hedgeMarkers = []string{
	"아마도",
	"것 같아",
	"것 같습니다",
	"인 것 같아",
	"i think",
	"i'm not sure",
	"maybe",
	"perhaps",
	"probably",
	"확실하지 않지만",
	"추측이지만",
}

// sentenceTerminators split a response into sentences.
const sentenceTerminators = ".!?。"

// StyleMetrics computes the hedge ratio and average sentence length of an
// assistant response. Responses shorter than 10 characters yield (0, 0).
//
// The hedge ratio is the fraction of sentences containing a hedging phrase,
// rounded to 3 decimals. Average sentence length is total characters divided
// by sentence count, rounded to 0.1.
func StyleMetrics(response string) (hedgeRatio, avgSentenceLen float64) {
	if len([]rune(response)) < 10 {
		return 0, 0
	}

	sentences := splitSentences(response)
	if len(sentences) == 0 {
		return 0, 0
	}

	hedged := 0
	for _, s := range sentences {
		lower := strings.ToLower(s)
		for _, marker := range hedgeMarkers {
			if strings.Contains(lower, marker) {
				hedged++
				break
			}
		}
	}

	hedgeRatio = math.Round(float64(hedged)/float64(len(sentences))*1000) / 1000
	avgSentenceLen = math.Round(float64(len([]rune(response)))/float64(len(sentences))*10) / 10
	return hedgeRatio, avgSentenceLen
}

// splitSentences breaks text on sentence terminators and drops empty parts.
func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return strings.ContainsRune(sentenceTerminators, r)
	})

	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
