// Package payload enforces structural and range invariants on telemetry
// payloads before anything downstream may touch them.
package payload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gbsoft/fleetstream/errors"
)

// Structural limits applied to every payload
const (
	MaxDepth      = 5
	MaxProperties = 50
	MaxKeyLength  = 100
)

// deniedKeys are rejected as exact matches, case-insensitively
var deniedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// deniedKeyMarkers are rejected as substrings, case-insensitively
var deniedKeyMarkers = []string{"${", "{{", "<script"}

// numericBounds constrains well-known top-level telemetry fields
var numericBounds = map[string]struct{ min, max float64 }{
	"latitude":  {-90, 90},
	"longitude": {-180, 180},
	"speed":     {0, 300},
	"fuelLevel": {0, 100},
	"heading":   {0, 360},
	"altitude":  {-1000, 10000},
}

// Validated is a payload that passed every check. Only Validate produces one;
// downstream code never builds a Validated by hand.
type Validated struct {
	props map[string]any
}

// Get returns a top-level property
func (v Validated) Get(key string) (any, bool) {
	val, ok := v.props[key]
	return val, ok
}

// Number returns a top-level property as a float64, with ok false when the
// property is absent or not numeric.
func (v Validated) Number(key string) (float64, bool) {
	val, ok := v.props[key]
	if !ok {
		return 0, false
	}
	n, ok := val.(float64)
	return n, ok
}

// String returns a top-level property as a string
func (v Validated) String(key string) (string, bool) {
	val, ok := v.props[key]
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

// Len returns the number of top-level properties
func (v Validated) Len() int {
	return len(v.props)
}

// Map returns a shallow copy of the top-level properties
func (v Validated) Map() map[string]any {
	out := make(map[string]any, len(v.props))
	for k, val := range v.props {
		out[k] = val
	}
	return out
}

// MarshalJSON serializes the validated properties
func (v Validated) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.props)
}

// Validator checks telemetry payloads against the fixed structural limits
// and the numeric bounds table. Safe for concurrent use.
type Validator struct{}

// NewValidator creates a payload validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate parses data as a JSON object and enforces depth, property count,
// key, and numeric range invariants. The first violation found is returned.
func (v *Validator) Validate(data []byte) (Validated, error) {
	if len(data) == 0 {
		return Validated{}, ErrEmptyPayload
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Validated{}, errors.WrapInvalid(err, "PayloadValidator", "Validate", "json parsing")
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return Validated{}, errors.WrapInvalid(ErrNotAnObject,
			"PayloadValidator", "Validate", "object shape check")
	}

	propCount := 0
	if err := checkContainer(obj, 1, &propCount); err != nil {
		return Validated{}, errors.WrapInvalid(err, "PayloadValidator", "Validate", "structure check")
	}

	if err := checkBounds(obj); err != nil {
		return Validated{}, errors.WrapInvalid(err, "PayloadValidator", "Validate", "bounds check")
	}

	return Validated{props: obj}, nil
}

// checkContainer walks a decoded JSON value counting properties and depth.
// Both objects and arrays open a nesting level.
func checkContainer(value any, depth int, propCount *int) error {
	if depth > MaxDepth {
		return ErrPayloadTooDeep
	}

	switch val := value.(type) {
	case map[string]any:
		for key, child := range val {
			*propCount++
			if *propCount > MaxProperties {
				return ErrTooManyProperties
			}
			if err := checkKey(key); err != nil {
				return err
			}
			if err := checkChild(child, depth, propCount); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range val {
			if err := checkChild(child, depth, propCount); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkChild recurses into container children only, so scalars at the depth
// limit do not trip the depth check.
func checkChild(child any, depth int, propCount *int) error {
	switch child.(type) {
	case map[string]any, []any:
		return checkContainer(child, depth+1, propCount)
	}
	return nil
}

// checkKey enforces length and the security denylist on one property name
func checkKey(key string) error {
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key exceeds %d characters", ErrInvalidKey, MaxKeyLength)
	}
	lowered := strings.ToLower(key)
	if deniedKeys[lowered] {
		return fmt.Errorf("%w: denylisted key", ErrInvalidKey)
	}
	for _, marker := range deniedKeyMarkers {
		if strings.Contains(lowered, marker) {
			return fmt.Errorf("%w: denylisted key pattern", ErrInvalidKey)
		}
	}
	return nil
}

// checkBounds enforces the numeric range table on top-level fields
func checkBounds(obj map[string]any) error {
	for field, bounds := range numericBounds {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		n, ok := raw.(float64)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotANumber, field)
		}
		if n < bounds.min || n > bounds.max {
			return fmt.Errorf("%w: %s=%v outside [%v, %v]",
				ErrOutOfRange, field, n, bounds.min, bounds.max)
		}
	}
	return nil
}
