package inbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownShape is returned when a body matches neither wire shape.
	ErrUnknownShape = errors.New("inbound: unknown payload shape")
	// ErrInvalidJSON is returned when the body cannot be decoded at all.
	ErrInvalidJSON = errors.New("inbound: invalid json")
)

const (
	defaultChannel = "whatsapp"
	typeText       = "text"
)

// ParsePayload decodes body into one of the two wire shapes. hint comes from
// FormatHeader; when empty or unrecognised the shape is sniffed from the top-level keys.
func ParsePayload(body []byte, hint string) (Payload, error) {
	format := Format(strings.ToLower(strings.TrimSpace(hint)))
	if format != FormatCanonical && format != FormatLegacy {
		sniffed, err := sniffFormat(body)
		if err != nil {
			return nil, err
		}
		format = sniffed
	}

	switch format {
	case FormatLegacy:
		var p LegacyPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return &p, nil
	default:
		var p CanonicalPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return &p, nil
	}
}

func sniffFormat(body []byte) (Format, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if _, ok := top["entry"]; ok {
		return FormatLegacy, nil
	}
	if _, ok := top["data"]; ok {
		return FormatCanonical, nil
	}
	return "", ErrUnknownShape
}

// Batch is the result of normalizing one delivery.
type Batch struct {
	Messages []Message
	// Skipped counts messages dropped for missing sender or content.
	Skipped int
	// InvalidTimestamps holds unparseable timestamp values of forwarded
	// messages; those messages were stamped with now.
	InvalidTimestamps []string
}

// Normalize reduces a payload to canonical messages. Legacy payloads fan out to one
// message per text entry; non-text legacy messages are not forwarded.
func Normalize(p Payload, now func() time.Time) Batch {
	if now == nil {
		now = time.Now
	}
	var b Batch
	switch v := p.(type) {
	case *CanonicalPayload:
		msg := Message{
			ExternalID: strings.TrimSpace(v.Data.ExternalID),
			Channel:    defaultString(v.Data.Channel, defaultChannel),
			FromPhone:  strings.TrimSpace(v.Data.From),
			Content:    v.Data.Content,
			Type:       defaultString(v.Data.Type, typeText),
			ReceivedAt: v.Timestamp.Time,
		}
		if msg.ExternalID == "" {
			msg.ExternalID = strings.TrimSpace(v.Data.ID)
		}
		b.add(msg, v.Timestamp.Invalid, now)
	case *LegacyPayload:
		for _, entry := range v.Entry {
			for _, change := range entry.Changes {
				for _, m := range change.Value.Messages {
					if !strings.EqualFold(m.Type, typeText) {
						continue
					}
					b.add(Message{
						ExternalID: strings.TrimSpace(m.ID),
						Channel:    defaultString(change.Value.MessagingProduct, defaultChannel),
						FromPhone:  strings.TrimSpace(m.From),
						Content:    m.Text.Body,
						Type:       typeText,
						ReceivedAt: m.Timestamp.Time,
					}, m.Timestamp.Invalid, now)
				}
			}
		}
	}
	return b
}

func (b *Batch) add(msg Message, invalidTimestamp string, now func() time.Time) {
	if msg.FromPhone == "" || strings.TrimSpace(msg.Content) == "" {
		b.Skipped++
		return
	}
	if invalidTimestamp != "" {
		b.InvalidTimestamps = append(b.InvalidTimestamps, invalidTimestamp)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now().UTC()
	}
	b.Messages = append(b.Messages, msg)
}

func defaultString(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
