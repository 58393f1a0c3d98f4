package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Template is a reusable, versioned notification body.
type Template struct {
	Key                 string
	Name                string
	Description         string
	TitleTemplate       string
	MessageTemplate     string
	DefaultType         NotificationType
	DefaultSeverity     Severity
	DefaultCategory     string
	DefaultChannels     []Channel
	RichContentTemplate string
	Conditions          Condition
	Locale              string
	Version             int
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Rendered is the output of applying a template to one event.
type Rendered struct {
	Title       string
	Message     string
	RichContent string
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.\-]*)\}`)

// NormalizeTemplate validates a template definition before it is stored.
func NormalizeTemplate(tpl Template) (Template, error) {
	tpl.Key = strings.TrimSpace(tpl.Key)
	tpl.Name = strings.TrimSpace(tpl.Name)
	tpl.Description = strings.TrimSpace(tpl.Description)
	tpl.TitleTemplate = strings.TrimSpace(tpl.TitleTemplate)
	tpl.MessageTemplate = strings.TrimSpace(tpl.MessageTemplate)
	tpl.DefaultCategory = strings.TrimSpace(tpl.DefaultCategory)
	tpl.RichContentTemplate = strings.TrimSpace(tpl.RichContentTemplate)
	tpl.Locale = strings.TrimSpace(tpl.Locale)
	if tpl.Key == "" {
		return Template{}, NewValidationError("key", "is required")
	}
	if tpl.Name == "" {
		tpl.Name = tpl.Key
	}
	if tpl.TitleTemplate == "" {
		return Template{}, NewValidationError("titleTemplate", "is required")
	}
	if tpl.MessageTemplate == "" {
		return Template{}, NewValidationError("messageTemplate", "is required")
	}
	if tpl.Locale == "" {
		tpl.Locale = "pt-BR"
	}
	var err error
	if tpl.DefaultType, err = ParseNotificationType(string(tpl.DefaultType)); err != nil {
		return Template{}, err
	}
	if tpl.DefaultSeverity, err = ParseSeverity(string(tpl.DefaultSeverity)); err != nil {
		return Template{}, err
	}
	if len(tpl.DefaultChannels) == 0 {
		tpl.DefaultChannels = []Channel{ChannelInApp}
	}
	for _, text := range []string{tpl.TitleTemplate, tpl.MessageTemplate} {
		if err := checkTemplateSyntax(text); err != nil {
			return Template{}, NewValidationError("template", err.Error())
		}
	}
	if tpl.RichContentTemplate != "" {
		if !json.Valid([]byte(tpl.RichContentTemplate)) {
			return Template{}, NewValidationError("richContentTemplate", "must be valid JSON")
		}
		if _, err := renderJSONStrings(tpl.RichContentTemplate, func(text string) (string, error) {
			return text, checkTemplateSyntax(text)
		}); err != nil {
			return Template{}, NewValidationError("richContentTemplate", err.Error())
		}
	}
	if err := ValidateCondition(tpl.Conditions); err != nil {
		return Template{}, err
	}
	return tpl, nil
}

// Placeholders lists the distinct placeholder names used by text.
func Placeholders(text string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	names := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		if _, ok := seen[match[1]]; ok {
			continue
		}
		seen[match[1]] = struct{}{}
		names = append(names, match[1])
	}
	return names
}

// Render substitutes placeholders in the template against the event document.
func (tpl Template) Render(doc Document) (Rendered, error) {
	title, err := RenderText(tpl.TitleTemplate, doc)
	if err != nil {
		return Rendered{}, fmt.Errorf("render title of %s: %w", tpl.Key, err)
	}
	message, err := RenderText(tpl.MessageTemplate, doc)
	if err != nil {
		return Rendered{}, fmt.Errorf("render message of %s: %w", tpl.Key, err)
	}
	rich := ""
	if strings.TrimSpace(tpl.RichContentTemplate) != "" {
		rich, err = renderJSONStrings(tpl.RichContentTemplate, func(text string) (string, error) {
			return RenderText(text, doc)
		})
		if err != nil {
			return Rendered{}, fmt.Errorf("render rich content of %s: %w", tpl.Key, err)
		}
	}
	return Rendered{Title: title, Message: message, RichContent: rich}, nil
}

// RenderText replaces every {name} in text. A name resolves against
// context.name, then newState.name, then the raw document path.
func RenderText(text string, doc Document) (string, error) {
	if err := checkTemplateSyntax(text); err != nil {
		return "", err
	}
	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := token[1 : len(token)-1]
		value, ok := lookupPlaceholder(doc, name)
		if !ok {
			missing = append(missing, name)
			return token
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingPlaceholder, strings.Join(missing, ", "))
	}
	return rendered, nil
}

func lookupPlaceholder(doc Document, name string) (string, bool) {
	for _, path := range []string{"context." + name, "newState." + name, name} {
		result := doc.Get(path)
		if !result.Exists() || result.Type == gjson.Null {
			continue
		}
		switch result.Type {
		case gjson.String:
			return result.Str, true
		case gjson.JSON:
			return result.Raw, true
		default:
			return result.String(), true
		}
	}
	return "", false
}

// checkTemplateSyntax reports braces that are not part of a valid placeholder.
func checkTemplateSyntax(text string) error {
	stripped := placeholderPattern.ReplaceAllString(text, "")
	if strings.ContainsAny(stripped, "{}") {
		return fmt.Errorf("%w: unbalanced or invalid placeholder in %q", ErrMalformedTemplate, text)
	}
	return nil
}

// renderJSONStrings applies fn to every string leaf of a JSON document.
// Numbers keep their literal text.
func renderJSONStrings(raw string, fn func(string) (string, error)) (string, error) {
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedTemplate, err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: trailing data after rich content", ErrMalformedTemplate)
	}
	rendered, err := walkJSONStrings(value, fn)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(rendered)
	if err != nil {
		return "", fmt.Errorf("encode rendered rich content: %w", err)
	}
	return string(out), nil
}

func walkJSONStrings(value any, fn func(string) (string, error)) (any, error) {
	switch v := value.(type) {
	case string:
		return fn(v)
	case []any:
		for i, item := range v {
			rendered, err := walkJSONStrings(item, fn)
			if err != nil {
				return nil, err
			}
			v[i] = rendered
		}
		return v, nil
	case map[string]any:
		for key, item := range v {
			rendered, err := walkJSONStrings(item, fn)
			if err != nil {
				return nil, err
			}
			v[key] = rendered
		}
		return v, nil
	default:
		return v, nil
	}
}
