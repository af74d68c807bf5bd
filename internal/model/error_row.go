package model

// OperationError is a durable record of a failed push, surfaced to the caller
// through on_push_complete and resolved through the Conflict/Merge Engine.
type OperationError struct {
	ID               string
	OperationID      string
	OperationVersion int64
	Kind             OperationKind
	HTTPStatus       int
	TableName        string
	TableKind        TableKind
	Item             Record
	// PreviousItem is the last server-acknowledged version of the item at the
	// moment the local update began; it is the three-way merge base.
	PreviousItem Record
	RawResult    string
	// Result is the parsed server item returned alongside a conflict response,
	// when the remote included one.
	Result Record
}
