package store

// AttributeKind classifies how an attribute's value is interpreted when
// translating between wire ids and in-memory storeKeys.
type AttributeKind int

const (
	// KindScalar holds plain data: strings, numbers, booleans, dates.
	KindScalar AttributeKind = iota
	// KindToOne references a single other record, by id on the wire and
	// by storeKey in memory.
	KindToOne
	// KindToManyList references an ordered list of other records.
	KindToManyList
	// KindToManySet references an unordered, keyed set of other records.
	KindToManySet
)

// ValidationError is returned by an Attribute's Validate function when a
// candidate value is unacceptable. A nil error (not ValidationError) means
// the value is valid.
type ValidationError struct {
	Attribute string
	Message   string
}

func (e *ValidationError) Error() string {
	return e.Attribute + ": " + e.Message
}

// Validator checks a candidate attribute value. record is the Record the
// value would be written to (may be nil for pre-commit validation).
type Validator func(value any, key string, record *Record) *ValidationError

// Attribute describes one declared field on a Type.
type Attribute struct {
	// Key is the wire name used when talking to the Source.
	Key string
	// PropertyKey is the in-memory name. Defaults to Key if unset.
	PropertyKey string
	// Default is substituted by Record.saveToStore when the attribute is
	// missing from a freshly constructed record.
	Default any
	// NoSync attributes are never sent to the Source on commit.
	NoSync bool
	// Kind determines whether the value is a plain scalar or a
	// storeKey-valued reference that must be translated at the source
	// boundary (spec §3.1, Design Notes "Foreign-key translation").
	Kind AttributeKind
	// RefType names the Type a to-one/to-many attribute refers to. Unused
	// for KindScalar.
	RefType TypeName
	// Validate, if set, is consulted by Record.errorForAttribute.
	Validate Validator
}

func (a Attribute) propertyKey() string {
	if a.PropertyKey != "" {
		return a.PropertyKey
	}
	return a.Key
}

// IsReference reports whether this attribute's value is a foreign
// reference (to-one or to-many) rather than a plain scalar.
func (a Attribute) IsReference() bool {
	return a.Kind != KindScalar
}

// Type is a record class: a schema with a declared primary-key attribute
// and an ordered set of attributes.
type Type struct {
	Name       TypeName
	PrimaryKey string // wire name of the id attribute, default "id"
	Attributes []Attribute

	byProperty map[string]Attribute
	refs       []Attribute // cached descriptor of foreign-ref attributes
}

// NewType builds a Type and precomputes its lookup tables. Mirrors the
// teacher's pattern of caching derived state once at construction
// (planner.PlanCache, interned Keyword/Identity tables) rather than
// recomputing it on every access.
func NewType(name TypeName, attrs []Attribute) *Type {
	t := &Type{
		Name:       name,
		PrimaryKey: "id",
		Attributes: attrs,
		byProperty: make(map[string]Attribute, len(attrs)),
	}
	for _, a := range attrs {
		t.byProperty[a.propertyKey()] = a
		if a.IsReference() {
			t.refs = append(t.refs, a)
		}
	}
	return t
}

// Attribute returns the attribute descriptor for a property key.
func (t *Type) Attribute(propertyKey string) (Attribute, bool) {
	a, ok := t.byProperty[propertyKey]
	return a, ok
}

// References returns the cached list of foreign-reference attributes for
// this type (Design Notes: "Keep a per-type cached descriptor of
// foreign-ref attributes").
func (t *Type) References() []Attribute {
	return t.refs
}

// Defaults returns a fresh data map populated with every attribute's
// default value, used by Record.saveToStore to fill in missing fields.
func (t *Type) Defaults() map[string]any {
	d := make(map[string]any, len(t.Attributes))
	for _, a := range t.Attributes {
		d[a.propertyKey()] = a.Default
	}
	return d
}

// ClientSettable returns the property keys a client may include when
// creating a record (everything except NoSync attributes and the
// primary key, which the source assigns).
func (t *Type) ClientSettable() []string {
	out := make([]string, 0, len(t.Attributes))
	for _, a := range t.Attributes {
		if a.NoSync || a.propertyKey() == t.PrimaryKey {
			continue
		}
		out = append(out, a.propertyKey())
	}
	return out
}
