package lnrouter

// Validator accumulates frame-validation errors so that a single call can
// check several conditions (size, version, checksum) before a caller
// decides whether to drop a frame. Grouping lets sanity checks compose
// (ethernet.Frame.ValidateSize, arp.Frame.ValidateSize, ipv4.Frame.ValidateSize
// all take a *Validator) without each one returning early on the first error.
type Validator struct {
	accum []error
}

// ResetErr clears previously accumulated errors, readying v for reuse.
func (v *Validator) ResetErr() { v.accum = v.accum[:0] }

// HasError reports whether any error has been added since the last ResetErr.
func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// AddError records a validation failure. err must not be nil.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("lnrouter: AddError called with nil error")
	}
	v.accum = append(v.accum, err)
}

// Err returns the first accumulated error, or nil if none were recorded.
func (v *Validator) Err() error {
	if len(v.accum) == 0 {
		return nil
	}
	return v.accum[0]
}
