package dispatch

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Kind is the reminder variant chosen from the offset. Each kind renders its own text.
type Kind int

const (
	KindRenewsToday Kind = iota
	KindRenewsTomorrow
	KindRenewsSoon
	KindRenewsNextWeek
)

func (k Kind) String() string {
	switch k {
	case KindRenewsToday:
		return "renews_today"
	case KindRenewsTomorrow:
		return "renews_tomorrow"
	case KindRenewsSoon:
		return "renews_soon"
	case KindRenewsNextWeek:
		return "renews_next_week"
	default:
		return "unknown"
	}
}

// KindFor maps an offset in days to its reminder kind.
func KindFor(daysBefore int) Kind {
	switch {
	case daysBefore <= 0:
		return KindRenewsToday
	case daysBefore == 1:
		return KindRenewsTomorrow
	case daysBefore < 7:
		return KindRenewsSoon
	default:
		return KindRenewsNextWeek
	}
}

// PushPayload is the JSON body delivered to a push endpoint.
type PushPayload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	Kind           string `json:"kind"`
	SubscriptionID string `json:"subscription_id"`
	RenewsOn       string `json:"renews_on"`
	DaysBefore     int    `json:"days_before"`
}

// Message is a reminder rendered for every channel.
type Message struct {
	Kind    Kind
	Subject string
	Body    string
	SMS     string
	Push    PushPayload
}

const dateLayout = "Jan 2, 2006"

var printer = message.NewPrinter(language.English)

// Compose renders the reminder described by rc.
func Compose(rc Context) Message {
	kind := KindFor(rc.DaysBefore)
	name := rc.Subscription.Name
	if name == "" {
		name = "your service"
	}
	renewsOn := rc.renewsOn().Format(dateLayout)
	price := FormatPrice(rc.Subscription.Price, rc.Subscription.Currency)

	var subject, lead string
	switch kind {
	case KindRenewsToday:
		subject = fmt.Sprintf("%s renews today", name)
		lead = fmt.Sprintf("Your %s subscription renews today, %s.", name, renewsOn)
	case KindRenewsTomorrow:
		subject = fmt.Sprintf("%s renews tomorrow", name)
		lead = fmt.Sprintf("Your %s subscription renews tomorrow, %s.", name, renewsOn)
	case KindRenewsSoon:
		subject = fmt.Sprintf("%s renews in %d days", name, rc.DaysBefore)
		lead = fmt.Sprintf("Your %s subscription renews in %d days, on %s.", name, rc.DaysBefore, renewsOn)
	case KindRenewsNextWeek:
		subject = fmt.Sprintf("Upcoming renewal: %s on %s", name, renewsOn)
		lead = fmt.Sprintf("Your %s subscription is due for renewal on %s, %d days from now.", name, renewsOn, rc.DaysBefore)
	}

	var body strings.Builder
	if rc.Owner.Name != "" {
		fmt.Fprintf(&body, "Hi %s,\n\n", rc.Owner.Name)
	}
	body.WriteString(lead)
	body.WriteString("\n\n")
	fmt.Fprintf(&body, "Plan: %s (%s)\n", name, rc.Subscription.Frequency)
	fmt.Fprintf(&body, "Price: %s\n", price)
	if rc.Subscription.PaymentMethod != "" {
		fmt.Fprintf(&body, "Payment method: %s\n", strings.ReplaceAll(rc.Subscription.PaymentMethod, "_", " "))
	}
	body.WriteString("\nIf you no longer need it, cancel before the renewal date to avoid being charged.\n")

	return Message{
		Kind:    kind,
		Subject: subject,
		Body:    body.String(),
		SMS:     smsText(name, renewsOn, rc.DaysBefore),
		Push: PushPayload{
			Title:          subject,
			Body:           lead,
			Kind:           kind.String(),
			SubscriptionID: rc.Subscription.ID.String(),
			RenewsOn:       renewsOn,
			DaysBefore:     rc.DaysBefore,
		},
	}
}

func smsText(name, renewsOn string, days int) string {
	unit := "days"
	if days == 1 {
		unit = "day"
	}
	return fmt.Sprintf("Heads-up! Your subscription to %s renews on %s (%d %s away).", name, renewsOn, days, unit)
}

// FormatPrice renders amount in code's currency, falling back to "<amount> <code>"
// for codes x/text does not know.
func FormatPrice(amount decimal.Decimal, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return strings.TrimSpace(amount.StringFixed(2) + " " + code)
	}
	return printer.Sprint(currency.Symbol(unit.Amount(amount.InexactFloat64())))
}
