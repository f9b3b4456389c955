package producttwin

// Document is the JSON value tree of a single twin. Its contents are opaque to
// the store: fact-gatherers may attach arbitrarily nested sections, and the
// library never validates them beyond what diffing needs.
//
// Values held by a Document are restricted to the types produced by
// encoding/json when decoding into any: map[string]any, []any, string,
// float64 (or json.Number), bool and nil. Mutators receive a private deep copy,
// so they may modify the tree in place without synchronisation.
type Document map[string]any

// Clone returns a deep copy of the document. Modifying the copy never affects
// the original tree.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneValue(map[string]any(d)).(map[string]any))
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = cloneValue(e)
		}
		return m
	case Document:
		return cloneValue(map[string]any(v))
	case []any:
		s := make([]any, len(v))
		for i, e := range v {
			s[i] = cloneValue(e)
		}
		return s
	default:
		// Scalars (string, float64, json.Number, bool, nil) are immutable.
		return v
	}
}

// Section returns the named top-level object of the document. The second
// return value reports whether the section exists and is an object.
//
// Only known top-level sections get typed accessors; everything else stays an
// opaque subtree.
func (d Document) Section(name string) (Document, bool) {
	v, ok := d[name]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return Document(m), true
}

// EntityCode returns the product code recorded in the document's "product"
// section, or the empty string if the shell has been tampered with.
func (d Document) EntityCode() string {
	product, ok := d.Section("product")
	if !ok {
		return ""
	}
	code, _ := product["code"].(string)
	return code
}
