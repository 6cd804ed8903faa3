package address

// MarshalText implements encoding.TextMarshaler so Address composes with
// encoding/json wherever the application layer logs or serializes one
// (e.g. a COV subscriber address recorded in a diagnostic dump).
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
