// Package i18n provides localized user-facing messages for error codes.
package i18n

import (
	"bytes"
	"strings"
	"text/template"
)

// Code is a machine-readable error code (duplicated from the errors package
// to avoid an import cycle).
type Code = string

// Catalog maps error codes to message templates for a specific locale.
type Catalog struct {
	locale   string
	messages map[Code]string
}

var catalogs = map[string]*Catalog{
	"en-US": enUSCatalog,
	"pt-BR": ptBRCatalog,
}

// DefaultLocale is the base locale for user-facing messages.
const DefaultLocale = "en-US"

// GetCatalog returns the catalog for the given locale.
// Falls back to en-US if the locale is not found.
func GetCatalog(locale string) *Catalog {
	if c, ok := catalogs[strings.TrimSpace(locale)]; ok {
		return c
	}
	return catalogs[DefaultLocale]
}

// Locales lists the locales with a registered catalog, base locale first.
func Locales() []string {
	return []string{"en-US", "pt-BR"}
}

// Locale returns the locale of this catalog.
func (c *Catalog) Locale() string {
	return c.locale
}

// Format renders the message template with the given metadata.
// Falls back to the error code itself if no template is found.
// Templates are always executed even with nil/empty metadata so that
// template variables without metadata render as empty strings.
func (c *Catalog) Format(code Code, metadata map[string]string) string {
	tmpl, ok := c.messages[code]
	if !ok {
		return code
	}

	if metadata == nil {
		metadata = map[string]string{}
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		return tmpl
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, metadata); err != nil {
		return tmpl
	}
	return buf.String()
}
