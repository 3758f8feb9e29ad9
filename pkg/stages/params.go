package stages

import (
	"fmt"
	"math"
	"sort"

	"tomorecon/internal/common"
)

// ParamType is the declared type of a stage parameter.
type ParamType string

const (
	TypeFloat  ParamType = "float"
	TypeInt    ParamType = "int"
	TypeBool   ParamType = "bool"
	TypeString ParamType = "string"
	// TypeRange is an ordered pair [lo, hi] with lo < hi.
	TypeRange ParamType = "range"
)

// ParamSpec declares one named option of a stage.
type ParamSpec struct {
	Name    string      `json:"name" yaml:"name"`
	Type    ParamType   `json:"type" yaml:"type"`
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Min     *float64    `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64    `json:"max,omitempty" yaml:"max,omitempty"`
	Enum    []string    `json:"enum,omitempty" yaml:"enum,omitempty"`
	// Optional parameters have no default; the stage derives a value when unset.
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	Doc      string `json:"doc,omitempty" yaml:"doc,omitempty"`
}

// Schema is the parameter schema of a stage.
type Schema []ParamSpec

func bound(v float64) *float64 { return &v }

// Lookup finds a parameter by name.
func (s Schema) Lookup(name string) (ParamSpec, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Resolve merges defaults with overrides. Unknown keys and values that do
// not fit the schema are InvalidParameter errors.
func (s Schema) Resolve(stage string, overrides map[string]interface{}) (Params, error) {
	params := make(Params, len(s))
	for _, spec := range s {
		if spec.Default != nil {
			params[spec.Name] = spec.Default
		}
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec, ok := s.Lookup(key)
		if !ok {
			return nil, common.Errorf(common.InvalidParameter, "unknown parameter %s.%s", stage, key)
		}
		v, err := spec.coerce(overrides[key])
		if err != nil {
			return nil, common.Errorf(common.InvalidParameter, "%s.%s: %v", stage, key, err)
		}
		params[key] = v
	}
	return params, nil
}

func (p ParamSpec) coerce(raw interface{}) (interface{}, error) {
	switch p.Type {
	case TypeFloat:
		f, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %T", raw)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("must be finite")
		}
		if err := p.checkBounds(f); err != nil {
			return nil, err
		}
		return f, nil

	case TypeInt:
		f, ok := toFloat(raw)
		if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected an integer, got %v", raw)
		}
		if err := p.checkBounds(f); err != nil {
			return nil, err
		}
		return int(f), nil

	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected a boolean, got %T", raw)
		}
		return b, nil

	case TypeString:
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", raw)
		}
		if len(p.Enum) > 0 {
			for _, e := range p.Enum {
				if e == str {
					return str, nil
				}
			}
			return nil, fmt.Errorf("%q is not one of %v", str, p.Enum)
		}
		return str, nil

	case TypeRange:
		r, ok := toRange(raw)
		if !ok {
			return nil, fmt.Errorf("expected a pair of numbers, got %v", raw)
		}
		if !(r[0] < r[1]) || math.IsInf(r[0], 0) || math.IsInf(r[1], 0) {
			return nil, fmt.Errorf("range lower bound %v must be below upper bound %v", r[0], r[1])
		}
		if err := p.checkBounds(r[0]); err != nil {
			return nil, err
		}
		if err := p.checkBounds(r[1]); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unsupported parameter type %q", p.Type)
}

func (p ParamSpec) checkBounds(f float64) error {
	if p.Min != nil && f < *p.Min {
		return fmt.Errorf("%v is below minimum %v", f, *p.Min)
	}
	if p.Max != nil && f > *p.Max {
		return fmt.Errorf("%v is above maximum %v", f, *p.Max)
	}
	return nil
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

func toRange(raw interface{}) ([2]float64, bool) {
	switch v := raw.(type) {
	case [2]float64:
		return v, true
	case []float64:
		if len(v) == 2 {
			return [2]float64{v[0], v[1]}, true
		}
	case []interface{}:
		if len(v) == 2 {
			lo, ok1 := toFloat(v[0])
			hi, ok2 := toFloat(v[1])
			if ok1 && ok2 {
				return [2]float64{lo, hi}, true
			}
		}
	}
	return [2]float64{}, false
}

// Params holds the resolved parameters of one stage. Values have already been
// coerced to the declared type, so the accessors do not fail.
type Params map[string]interface{}

func (p Params) Float(name string) float64 {
	f, _ := toFloat(p[name])
	return f
}

func (p Params) Int(name string) int {
	switch v := p[name].(type) {
	case int:
		return v
	default:
		f, _ := toFloat(v)
		return int(f)
	}
}

func (p Params) Bool(name string) bool {
	b, _ := p[name].(bool)
	return b
}

func (p Params) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Range returns a range parameter and whether it is set.
func (p Params) Range(name string) ([2]float64, bool) {
	v, ok := p[name]
	if !ok {
		return [2]float64{}, false
	}
	return toRange(v)
}

// OptFloat returns an optional float parameter and whether it is set.
func (p Params) OptFloat(name string) (float64, bool) {
	v, ok := p[name]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}
