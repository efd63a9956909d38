package core

// AccessKind tags how a reader's access to a recording was obtained.
type AccessKind int

const (
	AccessOwner AccessKind = iota
	AccessGrant
	AccessLink
)

// AccessSource is the resolved authorization for one read. It is
// computed once per request and threaded through the read path instead
// of being re-inferred from which database column happened to be set.
type AccessSource struct {
	Kind       AccessKind
	Permission Permission
	WrappedKey string // key material for the reader (empty for links)
}

// CanEdit reports whether this source allows modification.
func (a AccessSource) CanEdit() bool {
	return a.Kind == AccessOwner || a.Permission == PermEdit
}
