package inbound

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format names the upstream wire shape of a delivery.
type Format string

const (
	FormatCanonical Format = "canonical"
	FormatLegacy    Format = "legacy"
)

// FormatHeader lets the relay state the shape explicitly instead of relying on sniffing.
const FormatHeader = "X-Payload-Format"

// Payload is either *CanonicalPayload or *LegacyPayload.
type Payload interface {
	Format() Format
}

// CanonicalPayload is the unified relay shape.
type CanonicalPayload struct {
	Event     string        `json:"event"`
	Timestamp Timestamp     `json:"timestamp"`
	Data      CanonicalData `json:"data"`
}

// CanonicalData carries a single message.
type CanonicalData struct {
	ID         string `json:"id"`
	Channel    string `json:"channel"`
	From       string `json:"from"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	ExternalID string `json:"externalId"`
}

func (*CanonicalPayload) Format() Format { return FormatCanonical }

// LegacyPayload is the upstream provider's direct multi-entry shape.
type LegacyPayload struct {
	Object string        `json:"object"`
	Entry  []LegacyEntry `json:"entry"`
}

type LegacyEntry struct {
	ID      string         `json:"id"`
	Changes []LegacyChange `json:"changes"`
}

type LegacyChange struct {
	Field string      `json:"field"`
	Value LegacyValue `json:"value"`
}

type LegacyValue struct {
	MessagingProduct string          `json:"messaging_product"`
	Messages         []LegacyMessage `json:"messages"`
}

type LegacyMessage struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	Timestamp Timestamp  `json:"timestamp"`
	Type      string     `json:"type"`
	Text      LegacyText `json:"text"`
}

type LegacyText struct {
	Body string `json:"body"`
}

func (*LegacyPayload) Format() Format { return FormatLegacy }

// Message is the canonical in-memory form every delivery is reduced to.
type Message struct {
	ExternalID string
	Channel    string
	FromPhone  string
	Content    string
	Type       string
	ReceivedAt time.Time
}

// Timestamp accepts unix seconds (number or numeric string) or an RFC3339 string.
// Anything else decodes to the zero time with the raw value kept in Invalid, so
// one bad field never fails the whole delivery.
type Timestamp struct {
	time.Time
	Invalid string
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time, t.Invalid = time.Time{}, ""
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			t.Invalid = raw
			return nil
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			return nil
		}
	}
	parsed, err := parseTimestamp(raw)
	if err != nil {
		t.Invalid = raw
		return nil
	}
	t.Time = parsed
	return nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Unix(int64(secs), 0).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("inbound: unsupported timestamp %q", raw)
	}
	return parsed.UTC(), nil
}
