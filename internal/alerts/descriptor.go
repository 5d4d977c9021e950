// Package alerts turns inbound alert payloads into normalized descriptors,
// renders them through the alert surface and routes user interactions back
// into app navigation.
package alerts

import (
	"golang.org/x/text/message"

	"github.com/agentworkforce/fieldalert/internal/i18n"
)

const (
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/badge-72x72.png"
	DefaultTag   = "srp-notification"

	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

var defaultVibrate = []int{200, 100, 200}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type Data struct {
	URL      string `json:"url,omitempty"`
	EntityID string `json:"entityId,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Descriptor is a normalized alert. Tag is the replacement key understood by
// the surface: a later descriptor with the same tag replaces the earlier one.
type Descriptor struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon"`
	Badge              string   `json:"badge"`
	Tag                string   `json:"tag"`
	RequireInteraction bool     `json:"requireInteraction"`
	Vibrate            []int    `json:"vibrate"`
	Data               Data     `json:"data"`
	Actions            []Action `json:"actions"`
}

// DefaultDescriptor returns the fallback descriptor in the printer's locale.
func DefaultDescriptor(printer *message.Printer) Descriptor {
	if printer == nil {
		printer = i18n.Printer("")
	}
	return Descriptor{
		Title:              printer.Sprintf(i18n.AlertDefaultTitle),
		Body:               printer.Sprintf(i18n.AlertDefaultBody),
		Icon:               DefaultIcon,
		Badge:              DefaultBadge,
		Tag:                DefaultTag,
		RequireInteraction: true,
		Vibrate:            append([]int(nil), defaultVibrate...),
		Data:               Data{URL: "/"},
		Actions: []Action{
			{Action: ActionOpen, Title: printer.Sprintf(i18n.AlertActionOpen)},
			{Action: ActionDismiss, Title: printer.Sprintf(i18n.AlertActionDismiss)},
		},
	}
}
