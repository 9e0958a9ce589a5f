package eagle

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
)

// Kind is the value type of a feature
type Kind int

const (
	// IntKind features hold integers
	IntKind Kind = iota
	// FloatKind features hold floating point numbers
	FloatKind
	// StringKind features hold strings, usually from an enumeration
	StringKind
)

func (k Kind) String() string {
	switch k {
	case IntKind:
		return "int"
	case FloatKind:
		return "float"
	case StringKind:
		return "string"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Access is the access mode of a feature
type Access int

const (
	ReadWrite Access = iota
	ReadOnly
	WriteOnly
)

// Value is a feature value.  Only the field matching Kind is meaningful.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Str   string
}

// IntValue makes an integer Value
func IntValue(i int64) Value { return Value{Kind: IntKind, Int: i} }

// FloatValue makes a float Value
func FloatValue(f float64) Value { return Value{Kind: FloatKind, Float: f} }

// StringValue makes a string Value
func StringValue(s string) Value { return Value{Kind: StringKind, Str: s} }

// ValueOf converts a Go value to a Value
func ValueOf(v interface{}) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case int:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint8:
		return IntValue(int64(x)), nil
	case uint16:
		return IntValue(int64(x)), nil
	case uint32:
		return IntValue(int64(x)), nil
	case float32:
		return FloatValue(float64(x)), nil
	case float64:
		return FloatValue(x), nil
	case string:
		return StringValue(x), nil
	}
	return Value{}, newError(FeatureTypeMismatch, "unsupported value type %T", v)
}

// number returns the value as a float64 for numeric kinds
func (v Value) number() (float64, bool) {
	switch v.Kind {
	case IntKind:
		return float64(v.Int), true
	case FloatKind:
		return v.Float, true
	}
	return 0, false
}

// as converts v to kind k.  Numbers convert between each other; a float
// converts to an integer only when it is integral.
func (v Value) as(k Kind) (Value, bool) {
	if v.Kind == k {
		return v, true
	}
	n, ok := v.number()
	if !ok {
		return Value{}, false
	}
	switch k {
	case IntKind:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return Value{}, false
		}
		return IntValue(int64(n)), true
	case FloatKind:
		return FloatValue(n), true
	}
	return Value{}, false
}

func (v Value) String() string {
	switch v.Kind {
	case IntKind:
		return strconv.FormatInt(v.Int, 10)
	case FloatKind:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	}
	return v.Str
}

// Interface returns the payload as int64, float64 or string
func (v Value) Interface() interface{} {
	switch v.Kind {
	case IntKind:
		return v.Int
	case FloatKind:
		return v.Float
	}
	return v.Str
}

// Descriptor describes one feature and binds it to its getter and setter
type Descriptor struct {
	Name   string
	Kind   Kind
	Access Access

	// Min and Max bound numeric features, inclusive
	Min, Max float64

	// Enum lists the allowed values of a string feature; empty allows any string
	Enum []string

	get func() (Value, error)
	set func(Value) error

	mu sync.RWMutex
}

// Range returns the inclusive bounds of a numeric feature
func (d *Descriptor) Range() (min, max float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Min, d.Max
}

// SetRange replaces the bounds of a numeric feature
func (d *Descriptor) SetRange(min, max float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Min, d.Max = min, max
}

// Get returns the feature value converted to kind k
func (d *Descriptor) Get(k Kind) (Value, error) {
	if d.Access == WriteOnly {
		return Value{}, newError(WriteOnlyFeature, "%s", d.Name)
	}
	v, err := d.get()
	if err != nil {
		return Value{}, wrap(err, UnexpectedDeviceValue, d.Name)
	}
	out, ok := v.as(k)
	if !ok {
		return Value{}, newError(FeatureTypeMismatch, "%s is %s, not %s", d.Name, d.Kind, k)
	}
	return out, nil
}

// Validate checks v against the kind, range and enumeration of the feature
// and returns it converted to the feature's kind
func (d *Descriptor) Validate(v Value) (Value, error) {
	if d.Access == ReadOnly {
		return Value{}, newError(ReadOnlyFeature, "%s", d.Name)
	}
	cv, ok := v.as(d.Kind)
	if !ok {
		return Value{}, newError(FeatureTypeMismatch, "%s is %s, got %s %q", d.Name, d.Kind, v.Kind, v.String())
	}
	if d.Kind == StringKind {
		if len(d.Enum) == 0 {
			return cv, nil
		}
		for _, s := range d.Enum {
			if s == cv.Str {
				return cv, nil
			}
		}
		return Value{}, newError(InvalidEnumValue, "%s must be one of %v, got %q", d.Name, d.Enum, cv.Str)
	}
	n, _ := cv.number()
	min, max := d.Range()
	if math.IsNaN(n) || n < min || n > max {
		return Value{}, newError(ValueOutOfRange, "%s must be in [%g, %g], got %g", d.Name, min, max, n)
	}
	return cv, nil
}

// Set validates v and passes it to the setter
func (d *Descriptor) Set(v Value) error {
	cv, err := d.Validate(v)
	if err != nil {
		return err
	}
	if err := d.set(cv); err != nil {
		return wrap(err, UnexpectedDeviceValue, d.Name)
	}
	return nil
}

// Registry is the name keyed table of features of one camera
type Registry struct {
	m map[string]*Descriptor
}

// NewRegistry returns an empty Registry
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*Descriptor)}
}

// Add registers d, replacing any feature of the same name
func (r *Registry) Add(d *Descriptor) {
	r.m[d.Name] = d
}

// Lookup returns the named feature
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.m[name]
	if !ok {
		return nil, newError(UnknownFeature, "%s", name)
	}
	return d, nil
}

// Names returns the feature names in sorted order
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StringFeature is the value of a string feature together with the values it may take
type StringFeature struct {
	Name  string
	Value string
	Range []string
}

func (s StringFeature) String() string {
	return fmt.Sprintf("%s = %s %v", s.Name, s.Value, s.Range)
}

// descriptor builders used by the camera

func intFeature(name string, min, max float64, get func() (int, error), set func(int) error) *Descriptor {
	d := &Descriptor{Name: name, Kind: IntKind, Min: min, Max: max}
	d.get = func() (Value, error) {
		i, err := get()
		return IntValue(int64(i)), err
	}
	if set == nil {
		d.Access = ReadOnly
		return d
	}
	d.set = func(v Value) error { return set(int(v.Int)) }
	return d
}

func floatFeature(name string, min, max float64, get func() (float64, error), set func(float64) error) *Descriptor {
	d := &Descriptor{Name: name, Kind: FloatKind, Min: min, Max: max}
	d.get = func() (Value, error) {
		f, err := get()
		return FloatValue(f), err
	}
	if set == nil {
		d.Access = ReadOnly
		return d
	}
	d.set = func(v Value) error { return set(v.Float) }
	return d
}

func stringFeature(name string, enum []string, get func() (string, error), set func(string) error) *Descriptor {
	d := &Descriptor{Name: name, Kind: StringKind, Enum: enum}
	d.get = func() (Value, error) {
		s, err := get()
		return StringValue(s), err
	}
	if set == nil {
		d.Access = ReadOnly
		return d
	}
	d.set = func(v Value) error { return set(v.Str) }
	return d
}
