package translate

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed languages/*.yaml
var languageFS embed.FS

// LanguageContext is a per-language translation style guide plus an
// English-to-target glossary of IEP terminology. Shipped as embedded YAML;
// languages without a file fall back to the generic context.
type LanguageContext struct {
	Code     string            `yaml:"code"`
	Language string            `yaml:"language"`
	Style    string            `yaml:"style"`
	Glossary map[string]string `yaml:"glossary"`
}

// languageNames covers codes we ship context files for plus common ones we
// do not; anything else is addressed by its code.
var languageNames = map[string]string{
	"es": "Spanish",
	"vi": "Vietnamese",
	"zh": "Chinese (Simplified)",
	"ko": "Korean",
	"tl": "Tagalog",
	"ar": "Arabic",
	"ru": "Russian",
}

// LoadLanguageContext returns the context for a language code. Unknown
// codes get the generic context with the code filled in.
func LoadLanguageContext(lang string) (*LanguageContext, error) {
	code := strings.ToLower(strings.TrimSpace(lang))
	if code == "" {
		return nil, fmt.Errorf("empty language code")
	}

	data, err := languageFS.ReadFile("languages/" + code + ".yaml")
	if err != nil {
		data, err = languageFS.ReadFile("languages/generic.yaml")
		if err != nil {
			return nil, fmt.Errorf("failed to read generic language context: %w", err)
		}
	}

	var ctx LanguageContext
	if err := yaml.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("failed to parse language context for %q: %w", code, err)
	}
	if ctx.Code == "" {
		ctx.Code = code
	}
	if ctx.Language == "" {
		ctx.Language = LanguageName(code)
	}
	return &ctx, nil
}

// LanguageName returns a display name for a language code, falling back to
// the code itself.
func LanguageName(lang string) string {
	if name, ok := languageNames[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return name
	}
	return lang
}

// Lookup resolves a glossary term case-insensitively.
func (c *LanguageContext) Lookup(term string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(term))
	for en, target := range c.Glossary {
		if strings.ToLower(en) == needle {
			return target, true
		}
	}
	return "", false
}
