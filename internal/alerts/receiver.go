package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/message"

	"github.com/agentworkforce/fieldalert/internal/i18n"
)

const (
	payloadSchemaURL = "https://fieldalert.local/schemas/alert-payload.json"
	defaultOrigin    = "http://localhost"
	maxPlainTextBody = 1024
)

var tracer = otel.Tracer("github.com/agentworkforce/fieldalert/internal/alerts")

const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "body": {"type": "string"},
    "icon": {"type": "string"},
    "badge": {"type": "string"},
    "tag": {"type": "string"},
    "requireInteraction": {"type": "boolean"},
    "vibrate": {"type": "array", "items": {"type": "integer", "minimum": 0}},
    "data": {
      "type": "object",
      "properties": {
        "url": {"type": "string"},
        "entityId": {"type": ["string", "number"]},
        "kind": {"type": "string"}
      }
    },
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["action"],
        "properties": {
          "action": {"type": "string", "minLength": 1},
          "title": {"type": "string"}
        }
      }
    }
  }
}`

type ReceiverOptions struct {
	// Language selects the locale of default copy; French when empty.
	Language string
	// Origin is the app origin used to match reusable windows.
	Origin string
	Logger Logger
}

// Receiver decodes inbound payloads, renders them and routes interactions.
type Receiver struct {
	surface Surface
	windows WindowManager
	printer *message.Printer
	schema  *jsonschema.Schema
	origin  string
	logger  Logger
}

func NewReceiver(surface Surface, windows WindowManager, opts ReceiverOptions) (*Receiver, error) {
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, err
	}
	origin := strings.TrimRight(strings.TrimSpace(opts.Origin), "/")
	if origin == "" {
		origin = defaultOrigin
	}
	return &Receiver{
		surface: surface,
		windows: windows,
		printer: i18n.Printer(opts.Language),
		schema:  schema,
		origin:  origin,
		logger:  opts.Logger,
	}, nil
}

func compilePayloadSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("decode alert payload schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add alert payload schema: %w", err)
	}
	schema, err := compiler.Compile(payloadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile alert payload schema: %w", err)
	}
	return schema, nil
}

type payloadFields struct {
	Title              *string      `json:"title"`
	Body               *string      `json:"body"`
	Icon               *string      `json:"icon"`
	Badge              *string      `json:"badge"`
	Tag                *string      `json:"tag"`
	RequireInteraction *bool        `json:"requireInteraction"`
	Vibrate            []int        `json:"vibrate"`
	Data               *payloadData `json:"data"`
	Actions            *[]Action    `json:"actions"`
}

type payloadData struct {
	URL      *string         `json:"url"`
	EntityID json.RawMessage `json:"entityId"`
	Kind     *string         `json:"kind"`
}

// Decode never fails: a payload that is not a valid alert object becomes the
// plain-text body of the default descriptor.
func (r *Receiver) Decode(payload []byte) Descriptor {
	descriptor := DefaultDescriptor(r.printer)
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return descriptor
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		r.logf("alert payload is not json; using plain text: %v", err)
		descriptor.Body = plainTextBody(trimmed, descriptor.Body)
		return descriptor
	}
	if err := r.schema.Validate(instance); err != nil {
		pruned, ok := r.dropInvalidFields(instance, err)
		if !ok {
			r.logf("alert payload is not a valid alert object; using plain text: %v", err)
			descriptor.Body = plainTextBody(trimmed, descriptor.Body)
			return descriptor
		}
		trimmed = pruned
	}

	var fields payloadFields
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		r.logf("alert payload decode failed; using plain text: %v", err)
		descriptor.Body = plainTextBody(trimmed, descriptor.Body)
		return descriptor
	}
	return mergeFields(descriptor, fields)
}

// dropInvalidFields removes the fields named by a validation failure from an
// alert object so its valid fields still apply. It reports false when the
// payload is not an object or is still invalid without them.
func (r *Receiver) dropInvalidFields(instance any, validationErr error) ([]byte, bool) {
	obj, ok := instance.(map[string]any)
	if !ok {
		return nil, false
	}
	var verr *jsonschema.ValidationError
	if !errors.As(validationErr, &verr) {
		return nil, false
	}
	dropped := make([]string, 0)
	for _, location := range invalidLocations(verr) {
		if len(location) == 0 {
			return nil, false
		}
		dropped = append(dropped, removeAt(obj, location))
	}
	if err := r.schema.Validate(obj); err != nil {
		return nil, false
	}
	pruned, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	r.logf("alert payload fields dropped as invalid: %s", strings.Join(dropped, ", "))
	return pruned, true
}

func invalidLocations(verr *jsonschema.ValidationError) [][]string {
	if len(verr.Causes) == 0 {
		return [][]string{verr.InstanceLocation}
	}
	out := make([][]string, 0, len(verr.Causes))
	for _, cause := range verr.Causes {
		out = append(out, invalidLocations(cause)...)
	}
	return out
}

// removeAt deletes the value at location, or the nearest enclosing object
// field when location runs through an array. It returns the removed path.
func removeAt(obj map[string]any, location []string) string {
	current := obj
	for i, key := range location {
		next, isObject := current[key].(map[string]any)
		if i == len(location)-1 || !isObject {
			delete(current, key)
			return strings.Join(location[:i+1], ".")
		}
		current = next
	}
	return ""
}

// Receive decodes payload and renders it. Rendering failures are returned for
// the caller to log; nothing is retried.
func (r *Receiver) Receive(ctx context.Context, payload []byte) (Descriptor, error) {
	ctx, span := tracer.Start(ctx, "alerts.receive")
	defer span.End()

	descriptor := r.Decode(payload)
	span.SetAttributes(
		attribute.String("alert.tag", descriptor.Tag),
		attribute.String("alert.kind", descriptor.Data.Kind),
	)
	if r.surface == nil {
		r.logf("alert surface missing; dropping %q", descriptor.Title)
		return descriptor, ErrSurfaceUnavailable
	}
	if err := r.surface.ShowAlert(ctx, descriptor.Title, descriptor); err != nil {
		r.logf("alert render %q failed: %v", descriptor.Title, err)
		span.RecordError(err)
		return descriptor, err
	}
	return descriptor, nil
}

func mergeFields(descriptor Descriptor, fields payloadFields) Descriptor {
	setString(&descriptor.Title, fields.Title)
	setString(&descriptor.Body, fields.Body)
	setString(&descriptor.Icon, fields.Icon)
	setString(&descriptor.Badge, fields.Badge)
	setString(&descriptor.Tag, fields.Tag)
	if fields.RequireInteraction != nil {
		descriptor.RequireInteraction = *fields.RequireInteraction
	}
	if fields.Vibrate != nil {
		descriptor.Vibrate = fields.Vibrate
	}
	if fields.Data != nil {
		setString(&descriptor.Data.URL, fields.Data.URL)
		setString(&descriptor.Data.Kind, fields.Data.Kind)
		if id := rawIdentifier(fields.Data.EntityID); id != "" {
			descriptor.Data.EntityID = id
		}
	}
	if fields.Actions != nil {
		descriptor.Actions = *fields.Actions
	}
	return descriptor
}

// setString overrides dst only with a non-blank value, so required fields
// are never emptied.
func setString(dst *string, value *string) {
	if value == nil {
		return
	}
	if trimmed := strings.TrimSpace(*value); trimmed != "" {
		*dst = trimmed
	}
}

func plainTextBody(payload []byte, fallback string) string {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		text = string(payload)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	if runes := []rune(text); len(runes) > maxPlainTextBody {
		text = string(runes[:maxPlainTextBody])
	}
	return text
}

// rawIdentifier accepts both string and numeric ids.
func rawIdentifier(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	return string(raw)
}

func (r *Receiver) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
