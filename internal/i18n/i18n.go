// Package i18n registers the alert copy with golang.org/x/text/message.
// French is the default locale; English is available.
package i18n

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	AlertDefaultTitle   = "alert.default_title"
	AlertDefaultBody    = "alert.default_body"
	AlertActionOpen     = "alert.action_open"
	AlertActionDismiss  = "alert.action_dismiss"
	NewAssignmentTitle  = "realtime.new_assignment.title"
	NewAssignmentBody   = "realtime.new_assignment.body"
	CancelledTitle      = "realtime.cancelled.title"
	CancelledBody       = "realtime.cancelled.body"
	RescheduledTitle    = "realtime.rescheduled.title"
	RescheduledBody     = "realtime.rescheduled.body"
	UrgentTitle         = "realtime.urgent.title"
	UrgentBody          = "realtime.urgent.body"
	UpdateTitle         = "realtime.update.title"
	UpdateBody          = "realtime.update.body"
	ReminderTitle       = "realtime.reminder.title"
	ReminderBody        = "realtime.reminder.body"
	UntitledEntityLabel = "realtime.untitled"
)

var catalogs = map[language.Tag]map[string]string{
	language.French: {
		AlertDefaultTitle:   "Nouvelle notification",
		AlertDefaultBody:    "Vous avez une nouvelle notification",
		AlertActionOpen:     "Ouvrir",
		AlertActionDismiss:  "Ignorer",
		NewAssignmentTitle:  "Nouvelle intervention assignée",
		NewAssignmentBody:   "Vous avez été assigné à « %s »",
		CancelledTitle:      "Intervention annulée",
		CancelledBody:       "L'intervention « %s » a été annulée",
		RescheduledTitle:    "Intervention reprogrammée",
		RescheduledBody:     "L'intervention « %s » a été reprogrammée au %s",
		UrgentTitle:         "Intervention urgente",
		UrgentBody:          "L'intervention « %s » est passée en priorité urgente",
		UpdateTitle:         "Intervention mise à jour",
		UpdateBody:          "L'intervention « %s » a été modifiée",
		ReminderTitle:       "Rappel d'intervention",
		ReminderBody:        "« %s » commence à %s",
		UntitledEntityLabel: "sans titre",
	},
	language.English: {
		AlertDefaultTitle:   "New notification",
		AlertDefaultBody:    "You have a new notification",
		AlertActionOpen:     "Open",
		AlertActionDismiss:  "Dismiss",
		NewAssignmentTitle:  "New intervention assigned",
		NewAssignmentBody:   "You have been assigned to %q",
		CancelledTitle:      "Intervention cancelled",
		CancelledBody:       "Intervention %q was cancelled",
		RescheduledTitle:    "Intervention rescheduled",
		RescheduledBody:     "Intervention %q was moved to %s",
		UrgentTitle:         "Urgent intervention",
		UrgentBody:          "Intervention %q is now urgent",
		UpdateTitle:         "Intervention updated",
		UpdateBody:          "Intervention %q was updated",
		ReminderTitle:       "Intervention reminder",
		ReminderBody:        "%q starts at %s",
		UntitledEntityLabel: "untitled",
	},
}

var (
	registerOnce sync.Once
	matcher      = language.NewMatcher([]language.Tag{language.French, language.English})
)

// Register installs every message. It is safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		for tag, messages := range catalogs {
			keys := make([]string, 0, len(messages))
			for key := range messages {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				_ = message.SetString(tag, key, messages[key])
			}
		}
	})
}

// DefaultTag is the locale used when none is requested.
func DefaultTag() language.Tag {
	return language.French
}

// ParseTag matches lang against the supported locales, falling back to
// French.
func ParseTag(lang string) language.Tag {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return DefaultTag()
	}
	tags, _, err := language.ParseAcceptLanguage(lang)
	if err != nil || len(tags) == 0 {
		return DefaultTag()
	}
	_, index, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return DefaultTag()
	}
	return []language.Tag{language.French, language.English}[index]
}

// Printer returns a registered printer for lang.
func Printer(lang string) *message.Printer {
	Register()
	return message.NewPrinter(ParseTag(lang))
}
