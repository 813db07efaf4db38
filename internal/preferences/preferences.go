// Package preferences normalizes per-user notification settings into an
// effective configuration the scheduler can act on.
package preferences

import (
	"slices"
	"strings"
	"time"
)

// Channel is a reminder delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// MaxDaysBefore is the largest reminder offset accepted.
const MaxDaysBefore = 30

// DefaultTimezone is used when a user has no valid timezone stored.
const DefaultTimezone = "UTC"

var allowedChannels = map[Channel]bool{
	ChannelEmail: true,
	ChannelSMS:   true,
	ChannelPush:  true,
}

// Stored is the preference record as persisted; any field may be absent.
type Stored struct {
	Enabled      *bool    `json:"enabled,omitempty"`
	Channels     []string `json:"channels,omitempty"`
	DaysBefore   []int    `json:"days_before,omitempty"`
	SMSNumber    string   `json:"sms_number,omitempty"`
	PushEndpoint string   `json:"push_endpoint,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`
}

// Effective is a fully resolved preference set. Channels and DaysBefore are never empty.
type Effective struct {
	Enabled      bool      `json:"enabled"`
	Channels     []Channel `json:"channels"`
	DaysBefore   []int     `json:"days_before"`
	SMSNumber    string    `json:"sms_number"`
	PushEndpoint string    `json:"push_endpoint"`
	Timezone     string    `json:"timezone"`
}

// Defaults returns the system-wide fallback preferences.
func Defaults() Effective {
	return Effective{
		Enabled:    true,
		Channels:   []Channel{ChannelEmail},
		DaysBefore: []int{7, 5, 2, 1},
		Timezone:   DefaultTimezone,
	}
}

// Resolve merges stored preferences over defaults. It is total and idempotent:
// resolving the stored form of a resolved value yields the same value.
func Resolve(stored Stored, defaults Effective) Effective {
	out := Effective{
		Enabled:      defaults.Enabled,
		SMSNumber:    orDefault(stored.SMSNumber, defaults.SMSNumber),
		PushEndpoint: orDefault(stored.PushEndpoint, defaults.PushEndpoint),
		Timezone:     normalizeTimezone(stored.Timezone, defaults.Timezone),
	}
	if stored.Enabled != nil {
		out.Enabled = *stored.Enabled
	}

	out.Channels = NormalizeChannels(stored.Channels)
	if len(out.Channels) == 0 {
		out.Channels = slices.Clone(defaults.Channels)
	}
	out.DaysBefore = NormalizeDaysBefore(stored.DaysBefore)
	if len(out.DaysBefore) == 0 {
		out.DaysBefore = slices.Clone(defaults.DaysBefore)
	}
	return out
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return strings.TrimSpace(def)
}

// NormalizeChannels lower-cases, filters to known channels and drops duplicates,
// keeping first-seen order.
func NormalizeChannels(raw []string) []Channel {
	out := make([]Channel, 0, len(raw))
	seen := make(map[Channel]bool, len(raw))
	for _, r := range raw {
		c := Channel(strings.ToLower(strings.TrimSpace(r)))
		if !allowedChannels[c] || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// NormalizeDaysBefore keeps offsets in [0, MaxDaysBefore], deduplicated and sorted descending.
func NormalizeDaysBefore(raw []int) []int {
	out := make([]int, 0, len(raw))
	for _, d := range raw {
		if d < 0 || d > MaxDaysBefore || slices.Contains(out, d) {
			continue
		}
		out = append(out, d)
	}
	slices.Sort(out)
	slices.Reverse(out)
	return out
}

// AsStored converts an effective preference set back into its persisted form.
func (e Effective) AsStored() Stored {
	enabled := e.Enabled
	channels := make([]string, len(e.Channels))
	for i, c := range e.Channels {
		channels[i] = string(c)
	}
	return Stored{
		Enabled:      &enabled,
		Channels:     channels,
		DaysBefore:   slices.Clone(e.DaysBefore),
		SMSNumber:    e.SMSNumber,
		PushEndpoint: e.PushEndpoint,
		Timezone:     e.Timezone,
	}
}

// Wants reports whether a reminder should go out on channel at offset days.
func (e Effective) Wants(channel Channel, days int) bool {
	return e.Enabled && slices.Contains(e.Channels, channel) && slices.Contains(e.DaysBefore, days)
}

// Location returns the user's time zone, UTC when it cannot be loaded.
func (e Effective) Location() *time.Location {
	if loc, err := time.LoadLocation(e.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

// Contact is the owner-level address book a destination can fall back to.
type Contact struct {
	Email string
	Phone string
}

// Destination picks the address for channel. SMS falls back to the owner's phone.
func (e Effective) Destination(channel Channel, c Contact) string {
	switch channel {
	case ChannelEmail:
		return strings.TrimSpace(c.Email)
	case ChannelSMS:
		if e.SMSNumber != "" {
			return e.SMSNumber
		}
		return strings.TrimSpace(c.Phone)
	case ChannelPush:
		return e.PushEndpoint
	default:
		return ""
	}
}

func normalizeTimezone(tz, fallback string) string {
	tz = strings.TrimSpace(tz)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err == nil {
			return tz
		}
	}
	if fallback == "" {
		return DefaultTimezone
	}
	return fallback
}
