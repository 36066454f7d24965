package protocol

// Response is the result envelope returned from a component execution.
type Response struct {
	State   State
	Output  any
	Extra   map[string]any
	Request *Request
}

// OutputString renders the output as text.
func (r *Response) OutputString() string {
	if r == nil {
		return ""
	}
	return ToJSONString(r.Output)
}

// ExtraValue reads a key from Extra, tolerating a nil map.
func (r *Response) ExtraValue(key string) (any, bool) {
	if r == nil || r.Extra == nil {
		return nil, false
	}
	v, ok := r.Extra[key]
	return v, ok
}

// SetExtra writes a key into Extra, allocating on first use.
func (r *Response) SetExtra(key string, value any) {
	if r.Extra == nil {
		r.Extra = map[string]any{}
	}
	r.Extra[key] = value
}
