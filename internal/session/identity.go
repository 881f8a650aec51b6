package session

// Identity is the signed-in user as seen by the sync engine. Rows created
// locally are stamped with it.
type Identity interface {
	UserID() string
	StoreID() string
}

// StaticIdentity is a fixed identity, as configured for the CLI.
type StaticIdentity struct {
	User  string
	Store string
}

func (i StaticIdentity) UserID() string  { return i.User }
func (i StaticIdentity) StoreID() string { return i.Store }
