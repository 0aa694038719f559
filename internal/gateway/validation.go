package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oriys/orbit/internal/domain"
)

const defaultSchemaCacheSize = 1024

// compiledSchemas are the parsed request schemas of one route in one
// deployment. Deployments are immutable, so entries never go stale.
type compiledSchemas struct {
	query  map[string]any
	header map[string]any
	body   map[string]any
}

// validator checks requests against a JSON Schema subset: type, required,
// properties, additionalProperties (false), minLength, maxLength, minimum,
// maximum, pattern, enum, minItems, maxItems, items.
type validator struct {
	schemas  *lru.Cache[string, *compiledSchemas]
	patterns sync.Map // pattern -> *regexp.Regexp
}

func newValidator(size int) (*validator, error) {
	if size <= 0 {
		size = defaultSchemaCacheSize
	}
	c, err := lru.New[string, *compiledSchemas](size)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &validator{schemas: c}, nil
}

func (v *validator) compile(key string, rs domain.RequestSchemas) (*compiledSchemas, error) {
	if cs, ok := v.schemas.Get(key); ok {
		return cs, nil
	}
	cs := &compiledSchemas{}
	for _, part := range []struct {
		name string
		raw  json.RawMessage
		dst  *map[string]any
	}{
		{"query", rs.Query, &cs.query},
		{"header", rs.Header, &cs.header},
		{"body", rs.Body, &cs.body},
	} {
		if len(part.raw) == 0 {
			continue
		}
		var schema map[string]any
		if err := json.Unmarshal(part.raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid %s schema: %w", part.name, err)
		}
		*part.dst = schema
	}
	if cs.header != nil {
		cs.header = lowerSchemaNames(cs.header)
	}
	v.schemas.Add(key, cs)
	return cs, nil
}

// validate checks query, headers and body. key identifies the schemas'
// deployment and route.
func (v *validator) validate(key string, rs domain.RequestSchemas, query url.Values, header http.Header, body []byte) error {
	cs, err := v.compile(key, rs)
	if err != nil {
		return err
	}
	if cs.query != nil {
		if err := v.validateValue("query", cs.query, paramsObject(cs.query, query)); err != nil {
			return err
		}
	}
	if cs.header != nil {
		h := make(url.Values, len(header))
		for k, vals := range header {
			h[strings.ToLower(k)] = vals
		}
		if err := v.validateValue("header", cs.header, paramsObject(cs.header, h)); err != nil {
			return err
		}
	}
	if cs.body != nil {
		if len(body) == 0 {
			return errors.New("body: request body is required")
		}
		var value any
		if err := json.Unmarshal(body, &value); err != nil {
			return fmt.Errorf("body: invalid JSON: %w", err)
		}
		if err := v.validateValue("body", cs.body, value); err != nil {
			return err
		}
	}
	return nil
}

// paramsObject turns query or header values into an object, converting each
// value to the type its property schema declares.
func paramsObject(schema map[string]any, values url.Values) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	obj := make(map[string]any, len(values))
	for name, vals := range values {
		if len(vals) == 0 {
			continue
		}
		prop, _ := props[name].(map[string]any)
		typ, _ := prop["type"].(string)
		if typ == "array" {
			items := make([]any, 0, len(vals))
			itemSchema, _ := prop["items"].(map[string]any)
			itemType, _ := itemSchema["type"].(string)
			for _, s := range vals {
				items = append(items, coerce(itemType, s))
			}
			obj[name] = items
			continue
		}
		obj[name] = coerce(typ, vals[0])
	}
	return obj
}

func coerce(typ, s string) any {
	switch typ {
	case "integer", "number":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return s
}

func lowerSchemaNames(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		lowered := make(map[string]any, len(props))
		for name, p := range props {
			lowered[strings.ToLower(name)] = p
		}
		out["properties"] = lowered
	}
	if req, ok := schema["required"].([]any); ok {
		lowered := make([]any, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				lowered = append(lowered, strings.ToLower(s))
			}
		}
		out["required"] = lowered
	}
	return out
}

func (v *validator) validateValue(path string, schema map[string]any, value any) error {
	if schemaType, ok := schema["type"].(string); ok {
		if err := checkType(path, schemaType, value); err != nil {
			return err
		}
	}

	if enumSlice, ok := schema["enum"].([]any); ok {
		if err := checkEnum(path, enumSlice, value); err != nil {
			return err
		}
	}

	switch val := value.(type) {
	case string:
		return v.validateString(path, schema, val)
	case float64:
		return validateNumber(path, schema, val)
	case map[string]any:
		return v.validateObject(path, schema, val)
	case []any:
		return v.validateArray(path, schema, val)
	}
	return nil
}

func checkType(path, expected string, value any) error {
	var actual string
	switch val := value.(type) {
	case map[string]any:
		actual = "object"
	case []any:
		actual = "array"
	case string:
		actual = "string"
	case float64:
		if expected == "integer" {
			if val != math.Floor(val) {
				return fmt.Errorf("%s: expected integer, got number", path)
			}
			return nil
		}
		actual = "number"
	case bool:
		actual = "boolean"
	case nil:
		actual = "null"
	default:
		actual = reflect.TypeOf(value).String()
	}

	if actual != expected {
		return fmt.Errorf("%s: expected type %s, got %s", path, expected, actual)
	}
	return nil
}

func checkEnum(path string, allowed []any, value any) error {
	for _, a := range allowed {
		if reflect.DeepEqual(a, value) {
			return nil
		}
	}
	return fmt.Errorf("%s: value not in allowed enum values", path)
}

func (v *validator) validateString(path string, schema map[string]any, value string) error {
	n := len([]rune(value))
	if minLen, ok := schema["minLength"].(float64); ok && n < int(minLen) {
		return fmt.Errorf("%s: string length %d below minimum %d", path, n, int(minLen))
	}
	if maxLen, ok := schema["maxLength"].(float64); ok && n > int(maxLen) {
		return fmt.Errorf("%s: string length %d exceeds maximum %d", path, n, int(maxLen))
	}
	if pattern, ok := schema["pattern"].(string); ok {
		re, err := v.pattern(pattern)
		if err != nil {
			return fmt.Errorf("%s: invalid pattern %q: %w", path, pattern, err)
		}
		if !re.MatchString(value) {
			return fmt.Errorf("%s: string does not match pattern %q", path, pattern)
		}
	}
	return nil
}

func (v *validator) pattern(p string) (*regexp.Regexp, error) {
	if re, ok := v.patterns.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	v.patterns.Store(p, re)
	return re, nil
}

func validateNumber(path string, schema map[string]any, value float64) error {
	if lo, ok := schema["minimum"].(float64); ok && value < lo {
		return fmt.Errorf("%s: value %v below minimum %v", path, value, lo)
	}
	if hi, ok := schema["maximum"].(float64); ok && value > hi {
		return fmt.Errorf("%s: value %v exceeds maximum %v", path, value, hi)
	}
	return nil
}

func (v *validator) validateObject(path string, schema map[string]any, obj map[string]any) error {
	if reqSlice, ok := schema["required"].([]any); ok {
		for _, r := range reqSlice {
			fieldName, ok := r.(string)
			if !ok {
				continue
			}
			if _, exists := obj[fieldName]; !exists {
				return fmt.Errorf("%s: missing required field %q", path, fieldName)
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for fieldName, fieldSchemaRaw := range props {
		fieldSchema, ok := fieldSchemaRaw.(map[string]any)
		if !ok {
			continue
		}
		fieldValue, exists := obj[fieldName]
		if !exists {
			continue
		}
		if err := v.validateValue(path+"."+fieldName, fieldSchema, fieldValue); err != nil {
			return err
		}
	}

	if extra, ok := schema["additionalProperties"].(bool); ok && !extra {
		for fieldName := range obj {
			if _, declared := props[fieldName]; !declared {
				return fmt.Errorf("%s: unexpected field %q", path, fieldName)
			}
		}
	}
	return nil
}

func (v *validator) validateArray(path string, schema map[string]any, arr []any) error {
	if minItems, ok := schema["minItems"].(float64); ok && len(arr) < int(minItems) {
		return fmt.Errorf("%s: array length %d below minimum %d", path, len(arr), int(minItems))
	}
	if maxItems, ok := schema["maxItems"].(float64); ok && len(arr) > int(maxItems) {
		return fmt.Errorf("%s: array length %d exceeds maximum %d", path, len(arr), int(maxItems))
	}
	if itemsSchema, ok := schema["items"].(map[string]any); ok {
		for i, item := range arr {
			if err := v.validateValue(fmt.Sprintf("%s[%d]", path, i), itemsSchema, item); err != nil {
				return err
			}
		}
	}
	return nil
}

// FormatValidationError renders a validation error for the client.
func FormatValidationError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
