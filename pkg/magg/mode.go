package magg

// Mode selects which of the aggregator's own tools are visible to clients.
// Contributed child capabilities are never filtered by mode.
type Mode int32

const (
	// ModeFull exposes every built-in management tool.
	ModeFull Mode = iota

	// ModeKitChangesOnly exposes only kit management, the read-only views,
	// and the proxy tool. Server mutation, health, and reload tools are
	// hidden and rejected.
	ModeKitChangesOnly
)

func (m Mode) String() string {
	if m == ModeKitChangesOnly {
		return "kit-changes-only"
	}
	return "full"
}

// toolTag classifies a built-in tool by function area. The mapping from tool
// name to tag is fixed at registration time; visibility under a mode is a
// pure function of the tag.
type toolTag int

const (
	tagServerManagement toolTag = iota
	tagKitManagement
	tagView
	tagHealth
	tagReload
	tagProxy
)

func (m Mode) visible(tag toolTag) bool {
	if m != ModeKitChangesOnly {
		return true
	}
	switch tag {
	case tagKitManagement, tagView, tagProxy:
		return true
	}
	return false
}
