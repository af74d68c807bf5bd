package model

// StoreOperationSource tags every store mutation so the Change Tracker can
// route notifications correctly and so Pull can recognize (and skip) its own
// writes when classifying version-unchanged rows.
type StoreOperationSource string

const (
	SourceLocal                   StoreOperationSource = "Local"
	SourceLocalPurge               StoreOperationSource = "LocalPurge"
	SourceLocalConflictResolution   StoreOperationSource = "LocalConflictResolution"
	SourceServerPull                StoreOperationSource = "ServerPull"
	SourceServerPush                StoreOperationSource = "ServerPush"
)
