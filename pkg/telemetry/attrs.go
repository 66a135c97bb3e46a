package telemetry

import (
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
)

type SpanAttributes struct {
	ActionCategory string

	CampaignID optional[string] // aflr.campaign.id
	Mode       optional[string] // aflr.campaign.mode
	Runners    optional[int]    // aflr.campaign.runners
	Target     optional[string] // aflr.target
	Worker     optional[string] // aflr.worker.name
	Command    optional[string] // aflr.worker.command

	extraAttributes map[string]any
}

func NewSpanAttributes(actionCategory ActionCategory) *SpanAttributes {
	return &SpanAttributes{
		ActionCategory:  actionCategory.String(),
		extraAttributes: make(map[string]any),
	}
}

// EmptySpanAttributes returns attributes without an action category, to be populated later.
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge copies every field set in other and unset in o. ActionCategory is
// always taken from other when present.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	if other.ActionCategory != "" {
		o.ActionCategory = other.ActionCategory
	}

	mergeOptional(&o.CampaignID, &other.CampaignID)
	mergeOptional(&o.Mode, &other.Mode)
	mergeOptional(&o.Runners, &other.Runners)
	mergeOptional(&o.Target, &other.Target)
	mergeOptional(&o.Worker, &other.Worker)
	mergeOptional(&o.Command, &other.Command)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithCampaignID(val string) *SpanAttributes {
	o.CampaignID.Set(val)
	return o
}

func (o *SpanAttributes) WithMode(val string) *SpanAttributes {
	o.Mode.Set(val)
	return o
}

func (o *SpanAttributes) WithRunners(val int) *SpanAttributes {
	o.Runners.Set(val)
	return o
}

func (o *SpanAttributes) WithTarget(val string) *SpanAttributes {
	o.Target.Set(val)
	return o
}

func (o *SpanAttributes) WithWorker(val string) *SpanAttributes {
	o.Worker.Set(val)
	return o
}

func (o *SpanAttributes) WithCommand(val string) *SpanAttributes {
	o.Command.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

// Extra returns a single extra attribute.
func (o *SpanAttributes) Extra(key string) (any, bool) {
	v, ok := o.extraAttributes[key]
	return v, ok
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if o.ActionCategory != "" {
		attrs = append(attrs, attribute.String("aflr.action.category", o.ActionCategory))
	}
	if o.CampaignID.set {
		attrs = append(attrs, attribute.String("aflr.campaign.id", o.CampaignID.val))
	}
	if o.Mode.set {
		attrs = append(attrs, attribute.String("aflr.campaign.mode", o.Mode.val))
	}
	if o.Runners.set {
		attrs = append(attrs, attribute.Int("aflr.campaign.runners", o.Runners.val))
	}
	if o.Target.set {
		attrs = append(attrs, attribute.String("aflr.target", o.Target.val))
	}
	if o.Worker.set {
		attrs = append(attrs, attribute.String("aflr.worker.name", o.Worker.val))
	}
	if o.Command.set {
		attrs = append(attrs, attribute.String("aflr.worker.command", o.Command.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
