package magg

import "errors"

// Failure kinds surfaced in operation results. Mutating operations never
// return raw errors across the tool boundary; these sentinels classify the
// message carried inside a failed Result.
var (
	// ErrNotFound reports that a referenced server or kit does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName reports an add or kit-load collision with an
	// existing server name.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrAlreadyLoaded reports a load of a kit that is already loaded.
	ErrAlreadyLoaded = errors.New("kit already loaded")

	// ErrNotLoaded reports an unload of a kit that is not loaded.
	ErrNotLoaded = errors.New("kit not loaded")
)
