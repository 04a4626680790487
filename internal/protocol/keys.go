package protocol

const (
	// ElementKey identifies an element reference in legacy payloads
	ElementKey = "ELEMENT"
	// W3CElementKey identifies an element reference in W3C payloads
	W3CElementKey = "element-6066-11e4-a52e-4f735466cecf"
)

// DuplicateKeys walks v and, wherever a map holds first or second, copies
// its value under the other key as well. Inputs are not modified.
func DuplicateKeys(v any, first, second string) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = DuplicateKeys(item, first, second)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			dup := DuplicateKeys(val, first, second)
			switch k {
			case first:
				if _, ok := t[second]; !ok {
					out[second] = dup
				}
			case second:
				if _, ok := t[first]; !ok {
					out[first] = dup
				}
			}
			out[k] = dup
		}
		return out
	default:
		return v
	}
}

// DuplicateElementKeys mirrors both element reference keys through v
func DuplicateElementKeys(v any) any {
	return DuplicateKeys(v, ElementKey, W3CElementKey)
}
