package pack

import "lab.nexedi.com/kirr/git-cinnabar-helper/oid"

// OffsetOlderPack is the sentinel offset meaning "this object is known to
// exist, but in a pack that predates the current session, not at a byte
// offset we track".
const OffsetOlderPack = 1

// Entry is the in-memory record kept for an object stored in the current
// pack session: created by Store.StoreObject (lookups do not create one)
// and held in a bounded cache, so old entries may be evicted.
type Entry struct {
	Oid        oid.GitOid
	Offset     int64
	Generation uint64
	Depth      int
}
