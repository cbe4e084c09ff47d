package search

// FieldKind tells the compiler how a physical field is indexed and which
// operations it supports.
type FieldKind int

const (
	// KindExact is a keyword field matched by exact term equality.
	KindExact FieldKind = iota
	// KindText is an analyzed full-text field.
	KindText
	// KindNumber is an ordered numeric field.
	KindNumber
	// KindDate is an ordered datetime field.
	KindDate
)

// Field is one physical index field a qualifier targets.
type Field struct {
	Name string
	Kind FieldKind
}

// FieldValue is the fixed field/value pair a named predicate lowers to.
type FieldValue struct {
	Field string
	Value string
}

// Schema binds the query language to one collection's physical fields.
//
// Qualifiers maps each user-facing qualifier to the field or fields it
// searches; a multi-field qualifier fans out as a disjunction. Predicates
// maps is:<name> shortcuts to their field/value pair. DefaultScope lists,
// in order, the qualifiers a bare term searches when the query carries no
// in: restriction; every entry must name a non-ordered qualifier.
type Schema struct {
	Qualifiers   map[string][]Field
	Predicates   map[string]FieldValue
	DefaultScope []string
}
