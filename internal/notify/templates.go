package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

const (
	// TemplateStockChanged announces a committed stock movement.
	TemplateStockChanged = "stock-changed"
	// TemplateLowStock announces stock at or below its threshold.
	TemplateLowStock = "low-stock"
)

// ErrUnknownTemplate indicates a notification that can never be rendered.
var ErrUnknownTemplate = fmt.Errorf("notify: unknown template: %w", shared.ErrInvalidOperation)

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templates = map[string]messageTemplate{
	TemplateStockChanged: mustTemplate(
		`Stock {{.direction}} for {{.sku}} at {{.location}}`,
		`{{.sku}} at {{.location}} changed by {{.delta}} and now stands at {{.quantity}}.
Movement: {{.movement_type}}{{if .reference_id}} ({{.reference_type}} {{.reference_id}}){{end}}.
`),
	TemplateLowStock: mustTemplate(
		`Low stock: {{.sku}} at {{.location}}`,
		`{{.sku}} at {{.location}} is down to {{.quantity}} (threshold {{.min_threshold}}).
Suggested reorder: {{.suggested}} units to reach {{.ideal_stock}}.
{{if .supplier}}Cheapest supplier: {{.supplier}} at {{.unit_cost}} per unit, estimated {{.estimated_cost}}.{{else}}No supplier is registered for this variant.{{end}}
`),
}

func mustTemplate(subject, body string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New("subject").Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New("body").Option("missingkey=zero").Parse(body)),
	}
}

// Render builds the message for a template and its data.
func Render(name, to string, data map[string]string) (Message, error) {
	tpl, ok := templates[name]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	if data == nil {
		data = map[string]string{}
	}
	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("notify: render %s subject: %w", name, err)
	}
	if err := tpl.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("notify: render %s body: %w", name, err)
	}
	return Message{To: to, Subject: subject.String(), Body: body.String()}, nil
}

var printer = message.NewPrinter(language.English)

// FormatQuantity renders a quantity with digit grouping.
func FormatQuantity(v int64) string {
	return printer.Sprintf("%d", v)
}

// FormatDelta renders a signed quantity change.
func FormatDelta(v int64) string {
	return printer.Sprintf("%+d", v)
}
