// Package translator converts between the OpenAI chat-completion dialect and
// the internal generateContent wire format.
package translator

import (
	"antigravity2api-go/internal/imagestore"
	"antigravity2api-go/internal/sigcache"
	"antigravity2api-go/internal/toolnames"
)

// Converter holds the per-process state the conversions lean on: signature
// and tool-name caches scoped by session, and the image store for inline
// image persistence.
type Converter struct {
	Signatures   *sigcache.Cache
	ToolNames    *toolnames.Cache
	Images       *imagestore.Store
	ImageBaseURL string
}

func New(signatures *sigcache.Cache, names *toolnames.Cache, images *imagestore.Store, imageBaseURL string) *Converter {
	return &Converter{
		Signatures:   signatures,
		ToolNames:    names,
		Images:       images,
		ImageBaseURL: imageBaseURL,
	}
}

// Generic JSON tree helpers. The converters operate on decoded
// map[string]interface{} trees because both sides of the translation are
// schema-free.

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// extractTextValue digs a text string out of a string, {"text": ...} or
// {"value": ...} shape, matching how permissive clients format content.
func extractTextValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if inner, ok := t["text"]; ok {
			return extractTextValue(inner)
		}
		if inner, ok := t["value"]; ok {
			return extractTextValue(inner)
		}
	}
	return ""
}
