package preferences

// Update is a partial preference change. Nil fields keep the existing value.
type Update struct {
	Enabled      *bool    `json:"enabled"`
	Channels     []string `json:"channels"`
	DaysBefore   []int    `json:"days_before"`
	SMSNumber    *string  `json:"sms_number" validate:"omitempty,e164"`
	PushEndpoint *string  `json:"push_endpoint" validate:"omitempty,url"`
	Timezone     *string  `json:"timezone" validate:"omitempty,timezone"`
}

// Merge applies u over base. A channel or day list that normalizes to nothing
// keeps the base value, so a bad update never wipes working preferences.
func Merge(base Stored, u Update) Stored {
	out := base
	if u.Enabled != nil {
		enabled := *u.Enabled
		out.Enabled = &enabled
	}
	if u.Channels != nil {
		if channels := NormalizeChannels(u.Channels); len(channels) > 0 {
			out.Channels = make([]string, len(channels))
			for i, c := range channels {
				out.Channels[i] = string(c)
			}
		}
	}
	if u.DaysBefore != nil {
		if days := NormalizeDaysBefore(u.DaysBefore); len(days) > 0 {
			out.DaysBefore = days
		}
	}
	if u.SMSNumber != nil {
		out.SMSNumber = *u.SMSNumber
	}
	if u.PushEndpoint != nil {
		out.PushEndpoint = *u.PushEndpoint
	}
	if u.Timezone != nil {
		out.Timezone = *u.Timezone
	}
	return out
}
