package blueprints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfcci/autotune/pkg/errs"
)

// maxDepth bounds nesting, which also stops YAML alias cycles.
const maxDepth = 64

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is one node of a configuration document. Map keys keep their source
// order and casing.
type Value struct {
	kind Kind
	str  string // string content, or the literal of a number
	num  float64
	b    bool
	list []Value
	keys []string
	m    map[string]Value
}

// Kind returns the variant of v.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string content when v is a string.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Number returns the numeric content when v is a number.
func (v Value) Number() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Bool returns the boolean content when v is a bool.
func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// List returns the elements when v is a list.
func (v Value) List() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// Keys returns map keys in source order.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	return append([]string(nil), v.keys...)
}

// Get returns the child stored under exactly key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	child, ok := v.m[key]
	return child, ok
}

// Lookup is Get with a case-insensitive fallback. An exact match wins; among
// case-insensitive matches the first in source order wins.
func (v Value) Lookup(key string) (Value, bool) {
	if child, ok := v.Get(key); ok {
		return child, true
	}
	for _, k := range v.keys {
		if strings.EqualFold(k, key) {
			return v.m[k], true
		}
	}
	return Value{}, false
}

// Interface converts v to plain Go values suitable for JSON encoding.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return json.Number(v.str)
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, child := range v.list {
			out[i] = child.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, child := range v.m {
			out[k] = child.Interface()
		}
		return out
	default:
		return nil
	}
}

// Document is a parsed blueprint configuration. Its root is always a map.
type Document struct {
	root Value
}

// Root returns the root map.
func (d *Document) Root() Value { return d.root }

// Lookup finds a top-level key, case-insensitively.
func (d *Document) Lookup(key string) (Value, bool) { return d.root.Lookup(key) }

// Map converts the document for storage.
func (d *Document) Map() map[string]any {
	if d == nil {
		return map[string]any{}
	}
	m, _ := d.root.Interface().(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ParseError reports malformed configuration with its position when known.
type ParseError struct {
	File   string
	Line   int
	Column int
	Key    string
	Msg    string
}

func (e *ParseError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, e.Line)
		if e.Column > 0 {
			loc = fmt.Sprintf("%s:%d", loc, e.Column)
		}
	}
	if e.Key != "" {
		return fmt.Sprintf("%s: key %q: %s", loc, e.Key, e.Msg)
	}
	return fmt.Sprintf("%s: %s", loc, e.Msg)
}

func (e *ParseError) Unwrap() error { return errs.ErrParse }

// ParseDocument parses data as YAML when name ends in .yaml or .yml and as
// JSON otherwise.
func ParseDocument(name string, data []byte) (*Document, error) {
	var (
		root Value
		err  error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		root, err = parseYAML(name, data)
	default:
		root, err = parseJSON(name, data)
	}
	if err != nil {
		return nil, err
	}
	if root.kind != KindMap {
		return nil, &ParseError{File: name, Line: 1, Msg: fmt.Sprintf("configuration root must be a map, got %s", root.kind)}
	}
	return &Document{root: root}, nil
}

func fromAny(x any, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, fmt.Errorf("%w: document nested too deeply", errs.ErrParse)
	}
	switch t := x.(type) {
	case nil:
		return Value{kind: KindNull}, nil
	case string:
		return Value{kind: KindString, str: t}, nil
	case bool:
		return Value{kind: KindBool, b: t}, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %s: %w", errs.ErrParse, t, err)
		}
		return Value{kind: KindNumber, str: t.String(), num: f}, nil
	case float64:
		return numberValue(t)
	case int:
		return Value{kind: KindNumber, str: strconv.Itoa(t), num: float64(t)}, nil
	case int64:
		return Value{kind: KindNumber, str: strconv.FormatInt(t, 10), num: float64(t)}, nil
	case []any:
		out := Value{kind: KindList, list: make([]Value, 0, len(t))}
		for _, item := range t {
			child, err := fromAny(item, depth+1)
			if err != nil {
				return Value{}, err
			}
			out.list = append(out.list, child)
		}
		return out, nil
	case map[string]any:
		out := Value{kind: KindMap, m: make(map[string]Value, len(t))}
		for k := range t {
			out.keys = append(out.keys, k)
		}
		sort.Strings(out.keys)
		for _, k := range out.keys {
			child, err := fromAny(t[k], depth+1)
			if err != nil {
				return Value{}, err
			}
			out.m[k] = child
		}
		return out, nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported value of type %T", errs.ErrParse, x)
	}
}

func numberValue(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: non-finite number", errs.ErrParse)
	}
	return Value{kind: KindNumber, str: strconv.FormatFloat(f, 'g', -1, 64), num: f}, nil
}

// JSON

type duplicateKeyError struct {
	key    string
	offset int64
}

func (e *duplicateKeyError) Error() string { return "duplicate key" }

func parseJSON(name string, data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	root, err := decodeJSON(dec, 0)
	if err != nil {
		return Value{}, jsonError(name, data, dec, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		offset := dec.InputOffset()
		line, col := position(data, offset)
		return Value{}, &ParseError{File: name, Line: line, Column: col, Msg: "unexpected data after top-level value"}
	}
	return root, nil
}

func decodeJSON(dec *json.Decoder, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, errors.New("document nested too deeply")
	}
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			out := Value{kind: KindMap, m: map[string]Value{}}
			for dec.More() {
				offset := dec.InputOffset()
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, _ := keyTok.(string)
				if _, dup := out.m[key]; dup {
					return Value{}, &duplicateKeyError{key: key, offset: offset}
				}
				child, err := decodeJSON(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				out.keys = append(out.keys, key)
				out.m[key] = child
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return out, nil
		case '[':
			out := Value{kind: KindList}
			for dec.More() {
				child, err := decodeJSON(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				out.list = append(out.list, child)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return out, nil
		default:
			return Value{}, fmt.Errorf("unexpected %q", rune(t))
		}
	case string:
		return Value{kind: KindString, str: t}, nil
	case json.Number:
		return fromAny(t, depth)
	case bool:
		return Value{kind: KindBool, b: t}, nil
	case nil:
		return Value{kind: KindNull}, nil
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}

func jsonError(name string, data []byte, dec *json.Decoder, err error) error {
	var (
		syntaxErr *json.SyntaxError
		dupErr    *duplicateKeyError
	)
	switch {
	case errors.Is(err, io.EOF) && len(bytes.TrimSpace(data)) == 0:
		return &ParseError{File: name, Msg: "empty document"}
	case errors.As(err, &dupErr):
		line, col := position(data, skipSeparators(data, dupErr.offset))
		return &ParseError{File: name, Line: line, Column: col, Key: dupErr.key, Msg: "duplicate key"}
	case errors.As(err, &syntaxErr):
		line, col := position(data, syntaxErr.Offset)
		return &ParseError{File: name, Line: line, Column: col, Msg: syntaxErr.Error()}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		line, col := position(data, int64(len(data)))
		return &ParseError{File: name, Line: line, Column: col, Msg: "unexpected end of input"}
	default:
		line, col := position(data, dec.InputOffset())
		return &ParseError{File: name, Line: line, Column: col, Msg: err.Error()}
	}
}

// skipSeparators advances offset past whitespace and JSON punctuation so
// positions point at the next token rather than the end of the previous one.
func skipSeparators(data []byte, offset int64) int64 {
	for offset < int64(len(data)) && strings.IndexByte(" \t\r\n,:", data[offset]) >= 0 {
		offset++
	}
	return offset
}

// position converts a byte offset to a 1-based line and column.
func position(data []byte, offset int64) (int, int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	if offset < 0 {
		offset = 0
	}
	before := data[:offset]
	line := bytes.Count(before, []byte{'\n'}) + 1
	col := int(offset) - bytes.LastIndexByte(before, '\n')
	return line, col
}

// YAML

var yamlLinePattern = regexp.MustCompile(`line (\d+): `)

func parseYAML(name string, data []byte) (Value, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Value{}, yamlError(name, err)
	}
	if doc.Kind == 0 || (doc.Kind == yaml.DocumentNode && len(doc.Content) == 0) {
		return Value{}, &ParseError{File: name, Msg: "empty document"}
	}
	return convertYAML(name, &doc, 0)
}

func yamlError(name string, err error) error {
	msg := strings.TrimPrefix(err.Error(), "yaml: ")
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		msg = typeErr.Errors[0]
	}
	line := 0
	if m := yamlLinePattern.FindStringSubmatchIndex(msg); m != nil {
		line, _ = strconv.Atoi(msg[m[2]:m[3]])
		msg = msg[:m[0]] + msg[m[1]:]
	}
	return &ParseError{File: name, Line: line, Msg: strings.TrimSpace(msg)}
}

func convertYAML(name string, n *yaml.Node, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, &ParseError{File: name, Line: n.Line, Column: n.Column, Msg: "document nested too deeply"}
	}

	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return Value{kind: KindNull}, nil
		}
		return convertYAML(name, n.Content[0], depth+1)
	case yaml.AliasNode:
		return convertYAML(name, n.Alias, depth+1)
	case yaml.SequenceNode:
		out := Value{kind: KindList, list: make([]Value, 0, len(n.Content))}
		for _, item := range n.Content {
			child, err := convertYAML(name, item, depth+1)
			if err != nil {
				return Value{}, err
			}
			out.list = append(out.list, child)
		}
		return out, nil
	case yaml.MappingNode:
		out := Value{kind: KindMap, m: map[string]Value{}}
		// Keys written out in this mapping. Merged keys are only defaults
		// and give way to them.
		explicit := map[string]bool{}
		for i := 0; i+1 < len(n.Content); i += 2 {
			keyNode, valueNode := n.Content[i], n.Content[i+1]
			if keyNode.ShortTag() == "!!merge" {
				if err := mergeYAML(name, &out, valueNode, depth+1); err != nil {
					return Value{}, err
				}
				continue
			}
			key := keyNode.Value
			if explicit[key] {
				return Value{}, &ParseError{File: name, Line: keyNode.Line, Column: keyNode.Column, Key: key, Msg: "duplicate key"}
			}
			explicit[key] = true
			child, err := convertYAML(name, valueNode, depth+1)
			if err != nil {
				return Value{}, err
			}
			if _, merged := out.m[key]; !merged {
				out.keys = append(out.keys, key)
			}
			out.m[key] = child
		}
		return out, nil
	case yaml.ScalarNode:
		return convertScalar(name, n)
	default:
		return Value{}, &ParseError{File: name, Line: n.Line, Column: n.Column, Msg: "unsupported YAML node"}
	}
}

// mergeYAML applies a "<<" merge key. Keys already present take precedence,
// and so do earlier maps in a merge list.
func mergeYAML(name string, out *Value, n *yaml.Node, depth int) error {
	source, err := convertYAML(name, n, depth)
	if err != nil {
		return err
	}
	sources := []Value{source}
	if source.kind == KindList {
		sources = source.list
	}
	for _, src := range sources {
		if src.kind != KindMap {
			return &ParseError{File: name, Line: n.Line, Column: n.Column, Key: "<<", Msg: "merge value must be a map"}
		}
		for _, k := range src.keys {
			if _, exists := out.m[k]; exists {
				continue
			}
			out.keys = append(out.keys, k)
			out.m[k] = src.m[k]
		}
	}
	return nil
}

func convertScalar(name string, n *yaml.Node) (Value, error) {
	fail := func(err error) (Value, error) {
		return Value{}, &ParseError{File: name, Line: n.Line, Column: n.Column, Msg: err.Error()}
	}

	switch n.ShortTag() {
	case "!!null":
		return Value{kind: KindNull}, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return fail(err)
		}
		return Value{kind: KindBool, b: b}, nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err == nil {
			return Value{kind: KindNumber, str: strconv.FormatInt(i, 10), num: float64(i)}, nil
		}
		fallthrough
	case "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return fail(err)
		}
		v, err := numberValue(f)
		if err != nil {
			return fail(err)
		}
		return v, nil
	default:
		return Value{kind: KindString, str: n.Value}, nil
	}
}
