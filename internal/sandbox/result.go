package sandbox

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/dop251/goja"
)

type handlerResult struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// decodeResult accepts exactly {statusCode: int, headers?: {string: string},
// body?: string}. Anything else is a malformed result.
func decodeResult(v goja.Value) (*handlerResult, error) {
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() == "Array" {
		return nil, errors.New("handler must return an object")
	}

	out := &handlerResult{Headers: map[string]string{}}

	code := obj.Get("statusCode")
	if absent(code) {
		return nil, errors.New("result has no statusCode")
	}
	switch n := code.Export().(type) {
	case int64:
		out.StatusCode = int(n)
	case float64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("statusCode %v is not an integer", n)
		}
		out.StatusCode = int(n)
	default:
		return nil, fmt.Errorf("statusCode must be a number, got %s", code.ExportType())
	}
	if out.StatusCode < 200 || out.StatusCode > 599 {
		return nil, fmt.Errorf("statusCode %d is out of range", out.StatusCode)
	}

	if hv := obj.Get("headers"); !absent(hv) {
		ho, ok := hv.(*goja.Object)
		if !ok || ho.ClassName() == "Array" {
			return nil, errors.New("headers must be an object of strings")
		}
		for _, name := range ho.Keys() {
			value, ok := ho.Get(name).Export().(string)
			if !ok {
				return nil, fmt.Errorf("header %q must be a string", name)
			}
			if !validHeaderName(name) || strings.ContainsAny(value, "\r\n") {
				return nil, fmt.Errorf("header %q is not a valid HTTP header", name)
			}
			out.Headers[name] = value
		}
	}

	if bv := obj.Get("body"); !absent(bv) {
		body, ok := bv.Export().(string)
		if !ok {
			return nil, errors.New("body must be a string")
		}
		out.Body = body
	}
	return out, nil
}

func absent(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte("()<>@,;:\\\"/[]?={}", c) >= 0 {
			return false
		}
	}
	return true
}
