package model

import (
	"encoding/json"
	"time"
)

// IntensityResult holds the smoothed intensity estimate for one instrument.
type IntensityResult struct {
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	TS       time.Time `json:"ts"`    // book timestamp that produced this value
	Alpha    float64   `json:"alpha"` // arrival rate at the mid-price
	Kappa    float64   `json:"kappa"` // decay rate with distance from mid
	Samples  int       `json:"samples"`
	Ready    bool      `json:"ready"` // false until the first accepted sample
	Live     bool      `json:"live"`  // preview, not pushed into the buffer
}

// Key returns "exchange:token".
func (r *IntensityResult) Key() string {
	return r.Exchange + ":" + r.Token
}

// StreamKey returns the Redis stream key: "intensity:{exchange}:{token}".
func (r *IntensityResult) StreamKey() string {
	return "intensity:" + r.Exchange + ":" + r.Token
}

// LatestKey returns the Redis key holding the most recent result.
func (r *IntensityResult) LatestKey() string {
	return "intensity:latest:" + r.Exchange + ":" + r.Token
}

// PubSubChannel returns the channel real-time subscribers listen on.
func (r *IntensityResult) PubSubChannel() string {
	return "pub:intensity:" + r.Exchange + ":" + r.Token
}

// JSON returns the JSON-encoded result.
func (r *IntensityResult) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// SplitKey splits "exchange:token" into its parts. Keys without a colon are
// treated as a bare token.
func SplitKey(key string) (exchange, token string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}
