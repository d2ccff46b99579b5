package docparse

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

const (
	typedConfidence   = 0.95
	knownConfidence   = 0.85
	genericConfidence = 0.6
)

var (
	datePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$|^\d{1,2}[./-]\d{1,2}[./-]\d{2,4}$`)
	amountPattern = regexp.MustCompile(`^[^\d-]{0,4}-?\d{1,3}([ ,]?\d{3})*([.,]\d{1,2})?\s*[A-Za-z€$£]{0,3}$`)
)

// knownFields maps label spellings onto canonical field names and the value
// pattern that earns the typed confidence.
var knownFields = map[string]struct {
	name    string
	pattern *regexp.Regexp
}{
	"invoice_number": {name: "invoice_number"},
	"invoice_no":     {name: "invoice_number"},
	"invoice":        {name: "invoice_number"},
	"receipt_number": {name: "receipt_number"},
	"date":           {name: "date", pattern: datePattern},
	"invoice_date":   {name: "date", pattern: datePattern},
	"due_date":       {name: "due_date", pattern: datePattern},
	"total":          {name: "total", pattern: amountPattern},
	"total_amount":   {name: "total", pattern: amountPattern},
	"amount_due":     {name: "total", pattern: amountPattern},
	"subtotal":       {name: "subtotal", pattern: amountPattern},
	"tax":            {name: "tax", pattern: amountPattern},
	"vat":            {name: "tax", pattern: amountPattern},
	"vendor":         {name: "vendor_name"},
	"vendor_name":    {name: "vendor_name"},
	"seller":         {name: "vendor_name"},
	"merchant":       {name: "vendor_name"},
	"customer":       {name: "customer_name"},
	"bill_to":        {name: "customer_name"},
	"name":           {name: "name"},
	"company":        {name: "company"},
	"email":          {name: "email"},
	"phone":          {name: "phone"},
	"address":        {name: "address"},
	"iban":           {name: "iban"},
	"account_number": {name: "account_number"},
	"tax_id":         {name: "tax_id"},
	"party":          {name: "party"},
}

// fieldsFromText reads "key: value" lines. Text without any pair becomes a
// single low-confidence "text" field so downstream stages still have input.
func fieldsFromText(text string) domain.ExtractedFields {
	fields := domain.ExtractedFields{}
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		addField(fields, key, value)
	}
	if len(fields) > 0 {
		return fields
	}

	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return fields
	}
	if runes := []rune(collapsed); len(runes) > fallbackTextLimit {
		collapsed = string(runes[:fallbackTextLimit])
	}
	fields["text"] = domain.ExtractedField{Value: collapsed, Confidence: fallbackConfidence}
	return fields
}

// fieldsFromRows treats the first two non-empty cells of a row as key and value.
func fieldsFromRows(rows [][]string) domain.ExtractedFields {
	fields := domain.ExtractedFields{}
	for _, row := range rows {
		cells := make([]string, 0, 2)
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				cells = append(cells, cell)
			}
			if len(cells) == 2 {
				break
			}
		}
		if len(cells) == 2 {
			addField(fields, cells[0], cells[1])
		}
	}
	return fields
}

func addField(fields domain.ExtractedFields, rawKey, rawValue string) {
	key := normalizeKey(rawKey)
	value := strings.TrimSpace(rawValue)
	if key == "" || value == "" {
		return
	}

	name, confidence := key, genericConfidence
	if known, ok := knownFields[key]; ok {
		name = known.name
		confidence = knownConfidence
		if known.pattern != nil && known.pattern.MatchString(value) {
			confidence = typedConfidence
		}
	}
	if existing, ok := fields[name]; ok && existing.Confidence >= confidence {
		return
	}
	fields[name] = domain.ExtractedField{Value: value, Confidence: confidence}
}

func normalizeKey(raw string) string {
	parts := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(raw)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(parts) == 0 || len(parts) > 4 {
		return ""
	}
	return strings.Join(parts, "_")
}
