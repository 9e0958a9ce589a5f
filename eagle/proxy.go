package eagle

// Proxy is a handle on one feature of a camera
type Proxy struct {
	d *Descriptor
}

// Name of the feature
func (p *Proxy) Name() string { return p.d.Name }

// Kind of the feature
func (p *Proxy) Kind() Kind { return p.d.Kind }

// Access mode of the feature
func (p *Proxy) Access() Access { return p.d.Access }

// Range returns the inclusive bounds of a numeric feature
func (p *Proxy) Range() (min, max float64) { return p.d.Range() }

// Value reads the feature in its own kind
func (p *Proxy) Value() (Value, error) {
	return p.d.Get(p.d.Kind)
}

// Int reads the feature as an integer
func (p *Proxy) Int() (int64, error) {
	v, err := p.d.Get(IntKind)
	return v.Int, err
}

// Float reads the feature as a float
func (p *Proxy) Float() (float64, error) {
	v, err := p.d.Get(FloatKind)
	return v.Float, err
}

// String reads a string feature
func (p *Proxy) String() (string, error) {
	v, err := p.d.Get(StringKind)
	return v.Str, err
}

// StringFeature reads a string feature together with its allowed values
func (p *Proxy) StringFeature() (StringFeature, error) {
	s, err := p.String()
	if err != nil {
		return StringFeature{}, err
	}
	return StringFeature{Name: p.d.Name, Value: s, Range: append([]string(nil), p.d.Enum...)}, nil
}

// Set writes v, which may be any integer or float type, a string or a Value
func (p *Proxy) Set(v interface{}) error {
	val, err := ValueOf(v)
	if err != nil {
		return wrap(err, FeatureTypeMismatch, p.d.Name)
	}
	return p.d.Set(val)
}
