// Package validate gates inbound notification payloads against a per-kind
// field contract before any mapping happens.
package validate

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Layouts accepted for date-time fields.
const (
	// LayoutUTC is a second-precision timestamp with a literal Z suffix.
	LayoutUTC = "2006-01-02T15:04:05Z"

	// LayoutNaive has no zone designator and is read as UTC.
	LayoutNaive = "2006-01-02T15:04:05"
)

var (
	// RFC3339 accepts RFC 3339 timestamps with optional fractional seconds.
	RFC3339 = []string{time.RFC3339Nano}

	// LiteralUTC accepts the zone-less formats used by the offline and
	// undelivered-mail feeds.
	LiteralUTC = []string{LayoutUTC, LayoutNaive}
)

// Contract declares what a payload must contain to be accepted.
type Contract struct {
	// Required top-level keys, checked in order.
	Required []string

	// Nested names a key of Required holding an object whose NestedRequired
	// keys are checked as soon as the section itself is found.
	Nested         string
	NestedRequired []string

	// Strings are gjson paths that must hold a JSON string. Null counts
	// as missing; any other type is InvalidFieldType.
	Strings []string

	// OptionalStrings may be absent or null, otherwise they must hold a
	// JSON string.
	OptionalStrings []string

	// DateTimeKey is a top-level key that must hold a string parseable by
	// one of DateTimeLayouts.
	DateTimeKey     string
	DateTimeLayouts []string
}

// Payload is a JSON object that satisfied a Contract.
type Payload struct {
	raw  []byte
	doc  gjson.Result
	time time.Time
}

// Raw returns the payload bytes exactly as received.
func (p Payload) Raw() []byte { return p.raw }

// Get returns the value at a gjson path.
func (p Payload) Get(path string) gjson.Result { return p.doc.Get(path) }

// Time returns the parsed value of the contract's date-time field.
func (p Payload) Time() time.Time { return p.time }

// Validate parses raw as a JSON object and checks it against c. The first
// failure in declaration order is reported; nothing is returned on failure.
func Validate(raw []byte, c Contract) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, &Error{Kind: MalformedPayload, Err: errors.New("empty body")}
	}
	if !gjson.ValidBytes(raw) {
		return Payload{}, &Error{Kind: MalformedPayload, Err: errors.New("body is not valid JSON")}
	}
	if !utf8.Valid(raw) {
		return Payload{}, &Error{Kind: MalformedPayload, Err: errors.New("body is not valid UTF-8")}
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Payload{}, &Error{Kind: MalformedPayload, Err: fmt.Errorf("body is a JSON %s, not an object", doc.Type)}
	}
	if key, ok := duplicateKey(doc); ok {
		return Payload{}, &Error{Kind: MalformedPayload, Field: key, Err: fmt.Errorf("duplicate key %q", key)}
	}

	top := doc.Map()
	for _, key := range c.Required {
		v, ok := top[key]
		if !ok {
			return Payload{}, missingField(key)
		}
		if key == c.Nested {
			if err := checkNested(v, c.Nested, c.NestedRequired); err != nil {
				return Payload{}, err
			}
		}
	}

	for _, path := range c.Strings {
		if err := checkString(doc.Get(path), path, true); err != nil {
			return Payload{}, err
		}
	}
	for _, path := range c.OptionalStrings {
		if err := checkString(doc.Get(path), path, false); err != nil {
			return Payload{}, err
		}
	}

	p := Payload{raw: raw, doc: doc}
	if c.DateTimeKey != "" {
		v, ok := top[c.DateTimeKey]
		if !ok {
			return Payload{}, missingField(c.DateTimeKey)
		}
		t, err := parseTime(v, c.DateTimeLayouts)
		if err != nil {
			return Payload{}, &Error{Kind: InvalidTimestamp, Field: c.DateTimeKey, Value: v.String(), Err: err}
		}
		p.time = t
	}
	return p, nil
}

func checkNested(section gjson.Result, name string, keys []string) error {
	if section.Type == gjson.Null {
		return missingField(name)
	}
	fields := map[string]gjson.Result{}
	if section.IsObject() {
		fields = section.Map()
	}
	for _, key := range keys {
		if _, ok := fields[key]; !ok {
			return missingField(key)
		}
	}
	return nil
}

func checkString(v gjson.Result, path string, required bool) error {
	key := path[strings.LastIndexByte(path, '.')+1:]
	switch {
	case v.Type == gjson.String:
		return nil
	case !v.Exists() || v.Type == gjson.Null:
		if required {
			return missingField(key)
		}
		return nil
	default:
		return &Error{Kind: InvalidFieldType, Field: key, Value: v.Type.String()}
	}
}

// duplicateKey reports the first key that appears twice in any object of
// the document.
func duplicateKey(r gjson.Result) (string, bool) {
	var (
		dup   string
		found bool
	)
	seen := map[string]bool{}
	r.ForEach(func(k, v gjson.Result) bool {
		if r.IsObject() {
			if seen[k.Str] {
				dup, found = k.Str, true
				return false
			}
			seen[k.Str] = true
		}
		if v.IsObject() || v.IsArray() {
			dup, found = duplicateKey(v)
			return !found
		}
		return true
	})
	return dup, found
}

func parseTime(v gjson.Result, layouts []string) (time.Time, error) {
	if v.Type != gjson.String {
		return time.Time{}, fmt.Errorf("expected string, got %s", v.Type)
	}
	var lastErr error
	for _, layout := range layouts {
		// time.Parse accepts fractional seconds the layout does not declare.
		if !strings.Contains(layout, ".") && strings.Contains(v.Str, ".") {
			lastErr = fmt.Errorf("fractional seconds not allowed by layout %s", layout)
			continue
		}
		t, err := time.Parse(layout, v.Str)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no date-time layouts configured")
	}
	return time.Time{}, lastErr
}

// AttributeRule requires an envelope attribute. When Accept is non-empty the
// attribute value must be one of its entries.
type AttributeRule struct {
	Name   string
	Accept []string
}

// Attributes checks envelope attributes against rules in order. An accepted
// value constraint is checked as soon as its attribute is found.
func Attributes(attrs map[string]string, rules []AttributeRule) error {
	for _, rule := range rules {
		v, ok := attrs[rule.Name]
		if !ok {
			return &Error{Kind: MissingAttribute, Field: rule.Name}
		}
		if len(rule.Accept) > 0 && !slices.Contains(rule.Accept, v) {
			return &Error{Kind: UnknownEventType, Field: rule.Name, Value: v}
		}
	}
	return nil
}
