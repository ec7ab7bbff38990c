package acl

type Priv uint32

const (
	PrivRead Priv = 1 << iota
	PrivWriteProps
	PrivWriteContent
	PrivBind
	PrivUnbind
	PrivAll = PrivRead | PrivWriteProps | PrivWriteContent | PrivBind | PrivUnbind
)

// Effective is the privilege set a subject holds on one resource.
type Effective struct {
	Read         bool
	WriteProps   bool
	WriteContent bool
	Bind         bool
	Unbind       bool
}

func FromPriv(p Priv) Effective {
	return Effective{
		Read:         p&PrivRead != 0,
		WriteProps:   p&PrivWriteProps != 0,
		WriteContent: p&PrivWriteContent != 0,
		Bind:         p&PrivBind != 0,
		Unbind:       p&PrivUnbind != 0,
	}
}

func (e Effective) Has(p Priv) bool {
	return p != 0 && FromPriv(p).subsetOf(e)
}

func (e Effective) subsetOf(o Effective) bool {
	return (!e.Read || o.Read) &&
		(!e.WriteProps || o.WriteProps) &&
		(!e.WriteContent || o.WriteContent) &&
		(!e.Bind || o.Bind) &&
		(!e.Unbind || o.Unbind)
}

func (e Effective) CanRead() bool {
	return e.Read
}

func (e Effective) CanWrite() bool {
	return e.WriteProps || e.WriteContent
}

func (e Effective) CanCreate() bool {
	return e.Bind
}

func (e Effective) CanDelete() bool {
	return e.Unbind
}

// Names lists the DAV privilege element names held, in the order clients expect
// inside current-user-privilege-set.
func (e Effective) Names() []string {
	var out []string
	if e.Read {
		out = append(out, "read")
	}
	if e.WriteProps && e.WriteContent && e.Bind && e.Unbind {
		out = append(out, "write")
	}
	if e.WriteProps {
		out = append(out, "write-properties")
	}
	if e.WriteContent {
		out = append(out, "write-content")
	}
	if e.Bind {
		out = append(out, "bind")
	}
	if e.Unbind {
		out = append(out, "unbind")
	}
	return out
}
