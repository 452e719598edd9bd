package llm

import (
	"fmt"
	"strings"
)

// Analysis templates. Each names a prompt pair tuned for one kind of input;
// TemplateForContentType picks one from a MIME type.
const (
	TemplateEntityExtraction   = "entity_extraction"
	TemplateTextEntities       = "text_entities"
	TemplateTextEntitiesCustom = "text_entities_custom"
	TemplateCode               = "code"
	TemplateImage              = "image"
	TemplatePDF                = "pdf"
	TemplateGeneric            = "generic"
)

// EntityTypes is the canonical set of entity types the extractors emit.
var EntityTypes = []string{
	"person", "organization", "location", "date",
	"product", "technology", "event", "other",
}

// KnownTemplate reports whether name is one of the analysis templates.
func KnownTemplate(name string) bool {
	switch name {
	case TemplateEntityExtraction, TemplateTextEntities, TemplateTextEntitiesCustom,
		TemplateCode, TemplateImage, TemplatePDF, TemplateGeneric:
		return true
	}
	return false
}

// TemplateForContentType maps a MIME type to the analysis template the
// extraction client should use. Text types switch to the custom-types
// template when the caller restricts the entity types.
func TemplateForContentType(contentType string, customTypes bool) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return TemplateImage
	case contentType == "application/pdf":
		return TemplatePDF
	case isCodeContentType(contentType):
		return TemplateCode
	case strings.HasPrefix(contentType, "text/"):
		if customTypes {
			return TemplateTextEntitiesCustom
		}
		return TemplateTextEntities
	default:
		return TemplateGeneric
	}
}

func isCodeContentType(contentType string) bool {
	switch contentType {
	case "application/javascript", "application/json", "application/xml",
		"application/x-sh", "application/x-python":
		return true
	}
	return strings.HasPrefix(contentType, "text/x-")
}

const entitySchema = `{"entities": [{"name": "string", "type": "one of: %s", "description": "optional string", "mentions": [{"context": "surrounding text", "position": 0, "relevance": 0.0}]}]}`

const extractionSystemPrompt = `You are a precise entity extraction assistant.
Rules:
1. Extract only entities that actually appear in the input.
2. Use the exact surface form for each entity name.
3. relevance is a number between 0 and 1 reflecting how central the entity is.
4. position is the byte offset of the mention in the input, or 0 when unknown.
5. Respond with JSON only, no commentary, matching this schema:
%s`

// buildPrompts returns the system and user prompts for a template. The text
// argument is the input being analysed; for the image template it is a short
// description of the image, with the pixels travelling separately.
func buildPrompts(template, text string, opts Options) (system, user string, err error) {
	types := EntityTypes
	if len(opts.EntityTypes) > 0 {
		types = opts.EntityTypes
	}
	system = fmt.Sprintf(extractionSystemPrompt, fmt.Sprintf(entitySchema, strings.Join(types, ", ")))

	var b strings.Builder
	if opts.Context != "" {
		fmt.Fprintf(&b, "Additional context: %s\n\n", opts.Context)
	}
	if opts.Language != "" {
		fmt.Fprintf(&b, "The input language is %s. Keep entity names in that language.\n\n", opts.Language)
	}

	switch template {
	case TemplateEntityExtraction, TemplateTextEntities:
		fmt.Fprintf(&b, "Extract all entities from the following text:\n\n%s", text)
	case TemplateTextEntitiesCustom:
		fmt.Fprintf(&b, "Extract only entities of these types: %s.\n\nText:\n\n%s",
			strings.Join(types, ", "), text)
	case TemplateCode:
		fmt.Fprintf(&b, "Extract entities from the following source code. Focus on technologies, libraries, products, services, and any people or organizations named in comments:\n\n%s", text)
	case TemplatePDF:
		fmt.Fprintf(&b, "Extract entities from the following document text. The text was extracted from a PDF and may have broken line wrapping:\n\n%s", text)
	case TemplateImage:
		fmt.Fprintf(&b, "Identify entities visible in the attached image: people, organizations (logos, signage), locations, products, technologies, and events.")
		if text != "" {
			fmt.Fprintf(&b, "\n\nImage description: %s", text)
		}
	case TemplateGeneric:
		fmt.Fprintf(&b, "Extract any recognizable entities from the following content:\n\n%s", text)
	default:
		return "", "", fmt.Errorf("unknown analysis template: %s", template)
	}

	return system, b.String(), nil
}
