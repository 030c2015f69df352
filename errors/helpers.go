package errors

// WrapOpComponent wraps err with Op and Component. If err is nil, returns nil.
// An existing SyncError is kept as the cause so its Kind stays reachable.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return &SyncError{Op: op, Component: component, Kind: KindOf(err), Err: err}
}

// WrapOpComponentKind wraps err with Op, Component and Kind. If err is nil, returns nil.
func WrapOpComponentKind(err error, op Operation, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        op,
		Component: component,
		Kind:      kind,
		Err:       err,
		Retryable: kind == KindStorage,
	}
}
