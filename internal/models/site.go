package models

// RootParentKey is the synthetic root's parent key (§3 "exactly one
// synthetic root (parent_key = -1)").
const RootParentKey int64 = -1

// Site is one node of the portal's container/video forest (§3).
type Site struct {
	Key       int64
	ParentKey int64
	URL       string
	IsVideo   bool
	Found     int64
	LastSeen  int64
}
