// Package remote talks to the list/schedule API: upload a list, poll its processing
// status, send a test delivery and reserve the real send.
//
// The API answers 200 or 400 with KEY=VALUE text lines. Readiness and rate limiting are
// only visible as marker substrings in that text, so every response goes through a
// Classifier before the retry loops decide what to do.
package remote

import "strings"

// Outcome is the classification of one response.
type Outcome int

const (
	Success Outcome = iota
	RateLimited
	NotReadyYet
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case NotReadyYet:
		return "not_ready_yet"
	default:
		return "remote_error"
	}
}

// DefaultRateLimitMarker is the API's "requests are less than 15 seconds apart" message.
const DefaultRateLimitMarker = "アクセス間隔が短すぎます"

// Classifier maps (status, body) to an Outcome. It has no side effects.
type Classifier struct {
	RateLimitMarker string
	NotReadyMarkers []string
}

func NewClassifier(rateLimitMarker string, notReady []string) Classifier {
	if rateLimitMarker == "" {
		rateLimitMarker = DefaultRateLimitMarker
	}
	return Classifier{
		RateLimitMarker: rateLimitMarker,
		NotReadyMarkers: append([]string(nil), notReady...),
	}
}

// Classify inspects a decoded response body. The rate-limit marker wins regardless of
// status. Not-ready markers only count on 2xx responses of polling operations.
func (c Classifier) Classify(status int, body string, polling bool) Outcome {
	if c.RateLimitMarker != "" && strings.Contains(body, c.RateLimitMarker) {
		return RateLimited
	}
	if status < 200 || status > 299 {
		return Failed
	}
	if polling {
		for _, m := range c.NotReadyMarkers {
			if m != "" && strings.Contains(body, m) {
				return NotReadyYet
			}
		}
	}
	return Success
}
