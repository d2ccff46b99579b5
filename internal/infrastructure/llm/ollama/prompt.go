package ollama

import (
	"fmt"
	"strings"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

const maxPromptFieldsChars = 4000

func renderFields(fields domain.ExtractedFields) string {
	var b strings.Builder
	for _, name := range fields.Names() {
		line := fmt.Sprintf("%s: %s\n", name, fields[name].Value)
		if b.Len()+len(line) > maxPromptFieldsChars {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

func buildClassificationPrompt(fields domain.ExtractedFields) string {
	labels := make([]string, 0, len(domain.DocumentTypes()))
	for _, docType := range domain.DocumentTypes() {
		labels = append(labels, string(docType))
	}

	return `You are a document classifier.
Return strict JSON object with keys:
document_type (one of: ` + strings.Join(labels, ", ") + `), confidence (number from 0 to 1).
No markdown, no extra keys.

Extracted fields:
` + renderFields(fields)
}

func buildSummaryPrompt(fields domain.ExtractedFields, docType domain.DocumentType) string {
	return fmt.Sprintf(`Summarize this %s in at most three sentences.
Mention the parties, dates and amounts when present. Plain text only.

Extracted fields:
%s`, strings.ReplaceAll(string(docType), "_", " "), renderFields(fields))
}
