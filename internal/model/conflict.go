package model

// PropertyValueComparer decides whether two primitive property values are
// equal for a given (tableName, propertyName). The default is structural
// equality; callers may register a custom comparer for properties where that
// is wrong (e.g. case-insensitive strings, epsilon-compared floats).
type PropertyValueComparer func(a, b interface{}) bool

// DefaultComparer is structural equality over the primitive value kinds the
// merge engine supports (Null, Bool, Integer, Float, String, Timestamp).
func DefaultComparer(a, b interface{}) bool {
	return a == b
}

// PropertyConflict is one property's three-way diff within an Update error's
// conflict set.
type PropertyConflict struct {
	PropertyName   string
	BaseValue      interface{}
	LocalValue     interface{}
	RemoteValue    interface{}
	ResolvedValue  interface{}
	Handled        bool
	IsLocalChanged bool
	IsRemoteChanged bool
}

// IsPrimitive reports whether v is one of the value kinds the merge engine
// supports. Objects and arrays raise UnsupportedConflictValue instead.
func IsPrimitive(v interface{}) bool {
	switch v.(type) {
	case nil, bool, int, int32, int64, float32, float64, string:
		return true
	default:
		return false
	}
}
