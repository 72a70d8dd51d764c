// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

// ExplicitString is a flag value that remembers whether it was set on the
// command line or in the config file, as opposed to carrying its default.
// It implements flags.Marshaler and flags.Unmarshaler.
type ExplicitString struct {
	Value string
	set   bool
}

// NewExplicitString returns a flag holding def that is not marked as set.
func NewExplicitString(def string) *ExplicitString {
	return &ExplicitString{Value: def}
}

// ExplicitlySet reports whether the value was parsed from user input.
func (e *ExplicitString) ExplicitlySet() bool { return e.set }

// MarshalFlag implements flags.Marshaler.
func (e *ExplicitString) MarshalFlag() (string, error) { return e.Value, nil }

// UnmarshalFlag implements flags.Unmarshaler.
func (e *ExplicitString) UnmarshalFlag(value string) error {
	e.Value = value
	e.set = true
	return nil
}
