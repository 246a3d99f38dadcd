package blueprints

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfcci/autotune/pkg/errs"
	"github.com/openfcci/autotune/pkg/workdir"
)

// Well-known configuration keys. Lookups are case-insensitive.
const (
	keyType        = "type"
	keyTitle       = "title"
	keyDescription = "description"
	keyThumbnail   = "thumbnail"
	keyTags        = "tags"
	keyThemes      = "themes"
)

// ValidationError reports a configuration that parsed but lacks a required
// field or carries one of the wrong shape.
type ValidationError struct {
	Key string
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config key %q: %s", e.Key, e.Msg)
}

func (e *ValidationError) Unwrap() error { return errs.ErrValidation }

// TagRef is a tag name as declared by a blueprint config.
type TagRef struct {
	Slug  string
	Title string
}

// ThemeRef is a theme name as declared by a blueprint config.
type ThemeRef struct {
	Slug  string
	Title string
}

// ExtractType returns the declared blueprint type, trimmed but with its
// original casing. Callers store it lowercased.
func ExtractType(doc *Document) (string, error) {
	v, ok := doc.Lookup(keyType)
	if !ok || v.Kind() == KindNull {
		return "", &ValidationError{Key: keyType, Msg: "required"}
	}
	s, ok := v.Str()
	if !ok {
		return "", &ValidationError{Key: keyType, Msg: fmt.Sprintf("must be a string, got %s", v.Kind())}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ValidationError{Key: keyType, Msg: "must not be empty"}
	}
	return s, nil
}

// ExtractTags returns the declared tags, deduplicated by slug and sorted.
// Missing tags yield an empty set.
func ExtractTags(doc *Document) ([]TagRef, error) {
	names, err := nameList(doc, keyTags)
	if err != nil {
		return nil, err
	}
	refs := make([]TagRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, TagRef{Slug: n.slug, Title: n.title})
	}
	return refs, nil
}

// ExtractThemes returns the declared theme references. Resolving them against
// stored themes is the store's job and follows its ThemePolicy.
func ExtractThemes(doc *Document) ([]ThemeRef, error) {
	names, err := nameList(doc, keyThemes)
	if err != nil {
		return nil, err
	}
	refs := make([]ThemeRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, ThemeRef{Slug: n.slug, Title: n.title})
	}
	return refs, nil
}

// Thumbnail returns the declared thumbnail path, if any.
func Thumbnail(doc *Document) (string, bool) {
	return optionalString(doc, keyThumbnail)
}

// Title returns the declared display title, if any.
func Title(doc *Document) (string, bool) {
	return optionalString(doc, keyTitle)
}

// Description returns the declared description, if any.
func Description(doc *Document) (string, bool) {
	return optionalString(doc, keyDescription)
}

func optionalString(doc *Document, key string) (string, bool) {
	v, ok := doc.Lookup(key)
	if !ok {
		return "", false
	}
	s, ok := v.Str()
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

type name struct {
	slug  string
	title string
}

// nameList accepts a list of strings or one comma-separated string.
func nameList(doc *Document, key string) ([]name, error) {
	v, ok := doc.Lookup(key)
	if !ok || v.Kind() == KindNull {
		return nil, nil
	}

	var raw []string
	switch v.Kind() {
	case KindString:
		s, _ := v.Str()
		raw = strings.Split(s, ",")
	case KindList:
		items, _ := v.List()
		for i, item := range items {
			s, ok := item.Str()
			if !ok {
				return nil, &ValidationError{Key: key, Msg: fmt.Sprintf("entry %d must be a string, got %s", i, item.Kind())}
			}
			raw = append(raw, s)
		}
	default:
		return nil, &ValidationError{Key: key, Msg: fmt.Sprintf("must be a list or a string, got %s", v.Kind())}
	}

	seen := make(map[string]bool, len(raw))
	out := make([]name, 0, len(raw))
	for _, r := range raw {
		title := strings.TrimSpace(r)
		slug := workdir.Slugify(title)
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		out = append(out, name{slug: slug, title: title})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slug < out[j].slug })
	return out, nil
}
