package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOwnerACL(t *testing.T) {
	p := NewOwnerACL()
	alice := Subject{Username: "alice"}
	admin := Subject{Username: "admin", Admin: true}

	tests := []struct {
		name    string
		subject Subject
		res     Resource
		want    Priv
	}{
		{"anonymous", Subject{}, Resource{Kind: KindRoot}, 0},
		{"principal collection", alice, Resource{Kind: KindPrincipalCollection}, PrivRead},
		{"own principal", alice, Resource{Kind: KindPrincipal, Owner: "alice"}, PrivRead | PrivWriteProps},
		{"foreign principal", alice, Resource{Kind: KindPrincipal, Owner: "bob"}, 0},
		{"own calendar", alice, Resource{Kind: KindCollection, Owner: "alice"}, PrivAll},
		{"foreign object", alice, Resource{Kind: KindObject, Owner: "bob"}, 0},
		{"own inbox", alice, Resource{Kind: KindInbox, Owner: "alice"}, PrivRead | PrivUnbind},
		{"admin principal collection", admin, Resource{Kind: KindPrincipalCollection}, PrivAll},
		{"admin foreign home", admin, Resource{Kind: KindHome, Owner: "bob"}, PrivAll},
		{"admin foreign inbox", admin, Resource{Kind: KindInboxItem, Owner: "bob"}, PrivRead | PrivUnbind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, FromPriv(tt.want), p.Effective(tt.subject, tt.res))
		})
	}
}

func TestEffectiveHas(t *testing.T) {
	e := FromPriv(PrivRead | PrivWriteProps)
	assert.True(t, e.Has(PrivRead))
	assert.True(t, e.Has(PrivRead|PrivWriteProps))
	assert.False(t, e.Has(PrivWriteContent))
	assert.False(t, e.Has(0))
	assert.True(t, e.CanRead())
	assert.True(t, e.CanWrite())
	assert.False(t, e.CanCreate())
}

func TestEffectiveNames(t *testing.T) {
	assert.Equal(t, []string{"read"}, FromPriv(PrivRead).Names())
	assert.Equal(t,
		[]string{"read", "write", "write-properties", "write-content", "bind", "unbind"},
		FromPriv(PrivAll).Names())
	assert.Empty(t, Effective{}.Names())
}
