package acl

// Kind classifies a DAV resource for access decisions.
type Kind int

const (
	KindRoot Kind = iota
	KindSystem
	KindPrincipalCollection
	KindPrincipal
	KindHome
	KindCollection
	KindObject
	KindInbox
	KindInboxItem
)

// Subject is the authenticated caller.
type Subject struct {
	Username string
	Admin    bool
}

// Resource is what the caller wants to reach. Owner is empty for shared resources.
type Resource struct {
	Kind  Kind
	Owner string
}

type Provider interface {
	Effective(subject Subject, res Resource) Effective
}

// OwnerACL grants the administrator everything and everybody else full control of
// their own homes, read access to their own principal and the principal collection.
type OwnerACL struct{}

func NewOwnerACL() *OwnerACL {
	return &OwnerACL{}
}

func (OwnerACL) Effective(subject Subject, res Resource) Effective {
	if subject.Username == "" {
		return Effective{}
	}
	if subject.Admin {
		if res.Kind == KindInbox || res.Kind == KindInboxItem {
			return FromPriv(PrivRead | PrivUnbind)
		}
		return FromPriv(PrivAll)
	}

	own := res.Owner != "" && res.Owner == subject.Username
	switch res.Kind {
	case KindRoot, KindSystem, KindPrincipalCollection:
		return FromPriv(PrivRead)
	case KindPrincipal:
		if own {
			return FromPriv(PrivRead | PrivWriteProps)
		}
	case KindHome, KindCollection, KindObject:
		if own {
			return FromPriv(PrivAll)
		}
	case KindInbox, KindInboxItem:
		// scheduling messages are delivered by the server, never written by clients
		if own {
			return FromPriv(PrivRead | PrivUnbind)
		}
	}
	return Effective{}
}
