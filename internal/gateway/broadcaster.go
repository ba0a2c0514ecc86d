package gateway

import (
	"encoding/json"
	"strconv"
	"time"
)

// buildEnvelope hand-crafts the WS envelope
// {"channel":...,"data":...,"ts":...,"seq":N,"channel_seq":M}.
// data must already be valid JSON.
func buildEnvelope(channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+160)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}

// Broadcast sends data on a channel to every client subscribed to it and
// records it as the channel's latest value and in its replay buffer.
func (h *Hub) Broadcast(channel string, data []byte) {
	now := time.Now().UTC()

	if srcTS := extractTS(data); !srcTS.IsZero() {
		if latencyMs := float64(now.Sub(srcTS).Microseconds()) / 1000.0; latencyMs >= 0 {
			h.Latency.Record(latencyMs)
		}
	}

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	h.seq++
	seq := h.seq

	rb, exists := h.replayBufs[channel]
	if !exists {
		rb = NewReplayBuffer(h.replaySize)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	buf := buildEnvelope(channel, data, now, seq, channelSeq)
	rb.Push(channelSeq, buf)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		select {
		case client.send <- buf:
		default:
			// slow client, drop
		}
	}
}

// extractTS pulls the "ts" field out of a JSON payload for latency tracking.
func extractTS(data []byte) time.Time {
	var partial struct {
		TS time.Time `json:"ts"`
	}
	if err := json.Unmarshal(data, &partial); err == nil {
		return partial.TS
	}
	return time.Time{}
}
