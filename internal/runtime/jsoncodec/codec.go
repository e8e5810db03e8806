// Package jsoncodec encodes payloads with sonic and applies key naming
// policies on top of it.
package jsoncodec

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ContentType is attached to every payload produced by a Codec.
const ContentType = "application/json"

// std is compatible with encoding/json, including sorted map keys.
var std = sonic.ConfigStd

// Marshal encodes v with Go's default names.
func Marshal(v any) ([]byte, error) { return std.Marshal(v) }

// MarshalIndent is Marshal with indentation, used for human facing output.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return std.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error { return std.Unmarshal(data, v) }

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v any) error { return std.NewEncoder(w).Encode(v) }

func Decode(r io.Reader, v any) error { return std.NewDecoder(r).Decode(v) }

// Options configures key naming for a Codec. Fields with an explicit json tag
// keep the tagged name regardless of PropertyNaming. DictionaryKeys only
// affects encoding.
type Options struct {
	PropertyNaming NamingPolicy
	DictionaryKeys NamingPolicy
}

// Codec encodes and decodes payloads. Proto messages always go through
// protojson; everything else goes through sonic.
type Codec struct {
	opts Options
}

// New builds a Codec for the supplied options.
func New(opts Options) *Codec {
	return &Codec{opts: opts}
}

// Default is a Codec that keeps Go's default names.
var Default = New(Options{})

func (c *Codec) Options() Options { return c.opts }

func (c *Codec) ContentType() string { return ContentType }

func (c *Codec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return protojson.MarshalOptions{UseProtoNames: c.opts.PropertyNaming == NamingSnake}.Marshal(msg)
	}
	if c.plain() {
		return Marshal(v)
	}
	return Marshal(c.encodeValue(reflect.ValueOf(v)))
}

func (c *Codec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, msg)
	}
	if c.opts.PropertyNaming == NamingDefault {
		return Unmarshal(data, v)
	}

	var tree any
	dec := std.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return err
	}
	target := reflect.TypeOf(v)
	if target == nil || target.Kind() != reflect.Pointer {
		return fmt.Errorf("jsoncodec: unmarshal target must be a non-nil pointer, got %T", v)
	}
	renamed, err := Marshal(c.decodeTree(tree, target.Elem()))
	if err != nil {
		return err
	}
	return Unmarshal(renamed, v)
}

func (c *Codec) plain() bool {
	return c.opts.PropertyNaming == NamingDefault && c.opts.DictionaryKeys == NamingDefault
}

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func customEncoding(t reflect.Type) bool {
	return t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) ||
		reflect.PointerTo(t).Implements(jsonMarshalerType)
}

// encodeValue rewrites v into maps, slices and leaves with policy names applied.
func (c *Codec) encodeValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() != reflect.Pointer && v.Kind() != reflect.Interface && customEncoding(v.Type()) {
		return v.Interface()
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer && v.Type().Implements(jsonMarshalerType) {
			return v.Interface()
		}
		return c.encodeValue(v.Elem())
	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		c.encodeStruct(v, out)
		return out
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[c.opts.DictionaryKeys.Apply(mapKey(iter.Key()))] = c.encodeValue(iter.Value())
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface()
		}
		fallthrough
	case reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = c.encodeValue(v.Index(i))
		}
		return out
	default:
		return v.Interface()
	}
}

func (c *Codec) encodeStruct(v reflect.Value, out map[string]any) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, opts, tagged := parseTag(field)
		if name == "-" && !tagged {
			continue
		}
		fv := v.Field(i)
		if field.Anonymous && !tagged {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct {
				c.encodeStruct(inner, out)
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if hasOption(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		if !tagged {
			name = c.opts.PropertyNaming.Apply(field.Name)
		}
		if hasOption(opts, "string") {
			if quoted, ok := quoteScalar(fv); ok {
				out[name] = quoted
				continue
			}
		}
		out[name] = c.encodeValue(fv)
	}
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}

// isEmptyValue follows encoding/json: structs are never empty, and non-nil
// collections are empty when they have no elements.
func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// quoteScalar implements the ",string" option: a scalar is written as its JSON
// text inside a string. Other kinds report false and are encoded as usual.
func quoteScalar(v reflect.Value) (any, bool) {
	t := v.Type()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if !isScalar(t.Kind()) || customEncoding(t) {
		return nil, false
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, true
		}
		v = v.Elem()
	}
	b, err := Marshal(v.Interface())
	if err != nil {
		return nil, false
	}
	return string(b), true
}

// decodeTree maps policy names back onto Go field names for t.
func (c *Codec) decodeTree(node any, t reflect.Type) any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch n := node.(type) {
	case map[string]any:
		switch {
		case t.Kind() == reflect.Struct && !customEncoding(t):
			fields := make(map[string]reflect.StructField)
			collectFields(t, fields, c.opts.PropertyNaming)
			out := make(map[string]any, len(n))
			for key, value := range n {
				if field, ok := fields[key]; ok {
					out[field.Name] = c.decodeTree(value, field.Type)
					continue
				}
				out[key] = value
			}
			return out
		case t.Kind() == reflect.Map:
			out := make(map[string]any, len(n))
			for key, value := range n {
				out[key] = c.decodeTree(value, t.Elem())
			}
			return out
		}
	case []any:
		if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
			out := make([]any, len(n))
			for i, value := range n {
				out[i] = c.decodeTree(value, t.Elem())
			}
			return out
		}
	}
	return node
}

// collectFields indexes untagged exported fields by their policy name. Tagged
// fields are left to the decoder, which already understands tags.
func collectFields(t reflect.Type, into map[string]reflect.StructField, policy NamingPolicy) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, _, tagged := parseTag(field)
		if name == "-" && !tagged {
			continue
		}
		if field.Anonymous && !tagged {
			ft := field.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, into, policy)
				continue
			}
		}
		if tagged || !field.IsExported() {
			continue
		}
		into[policy.Apply(field.Name)] = field
	}
}

func parseTag(field reflect.StructField) (name, opts string, tagged bool) {
	tag, ok := field.Tag.Lookup("json")
	if !ok {
		return "", "", false
	}
	if tag == "-" {
		return "-", "", false
	}
	name, opts, _ = strings.Cut(tag, ",")
	return name, opts, name != ""
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		if b, err := tm.MarshalText(); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(k.Interface())
}
