package realtime

import (
	"encoding/json"
	"time"
)

// Message types exchanged on the relay websocket.
const (
	MessageHello    = "hello"
	MessageChange   = "change"
	MessageAlert    = "alert"
	MessageNavigate = "navigate"
	MessageFocus    = "focus"
	MessageLocation = "location"
	MessageUpdate   = "update-available"
)

// WireMessage is the envelope of every websocket frame.
type WireMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Change    *ChangeEvent    `json:"change,omitempty"`
	Alert     json.RawMessage `json:"alert,omitempty"`
	URL       string          `json:"url,omitempty"`
	Version   string          `json:"version,omitempty"`
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by +/- jitterRatio using a sample
// in [0,1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

// reconnectDelay doubles base per failed attempt up to maxDelay, then
// applies jitter.
func reconnectDelay(attempt int, base, maxDelay time.Duration, jitterRatio, sample float64) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return jitteredIntervalWithSample(delay, jitterRatio, sample)
}
