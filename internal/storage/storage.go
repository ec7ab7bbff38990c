package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type User struct {
	Username string
	Digest   string
}

type Principal struct {
	ID          string
	URI         string // principals/<name>
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

type Calendar struct {
	ID          string
	Owner       string
	URI         string
	DisplayName string
	Description string
	Color       string
	Components  []string
	CTag        string
	SyncToken   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Object struct {
	ID         string
	CalendarID string
	UID        string
	ETag       string
	Data       string
	Component  string // VEVENT/VTODO/VJOURNAL
	StartAt    *time.Time
	EndAt      *time.Time
	UpdatedAt  time.Time
}

type AddressBook struct {
	ID          string
	Owner       string
	URI         string
	DisplayName string
	Description string
	CTag        string
	SyncToken   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Card struct {
	ID            string
	AddressBookID string
	UID           string
	ETag          string
	Data          string
	UpdatedAt     time.Time
}

type Change struct {
	UID     string
	Deleted bool
	Seq     int64
}

type InboxMessage struct {
	ID         string
	Owner      string
	UID        string
	Method     string
	Data       string
	ReceivedAt time.Time
}

type UserStore interface {
	UserDigest(ctx context.Context, username string) (string, error)
	UpsertUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, username string) error
}

type PrincipalStore interface {
	ListPrincipals(ctx context.Context) ([]*Principal, error)
	GetPrincipal(ctx context.Context, uri string) (*Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (*Principal, error)
	CreatePrincipal(ctx context.Context, p *Principal) error
	UpdatePrincipal(ctx context.Context, p *Principal) error
	DeletePrincipal(ctx context.Context, uri string) error
}

type CalendarStore interface {
	CreateCalendar(ctx context.Context, c *Calendar) error
	GetCalendar(ctx context.Context, owner, uri string) (*Calendar, error)
	ListCalendars(ctx context.Context, owner string) ([]*Calendar, error)
	UpdateCalendar(ctx context.Context, c *Calendar) error
	DeleteCalendar(ctx context.Context, owner, uri string) error
	DeleteCalendarsByOwner(ctx context.Context, owner string) error

	GetObject(ctx context.Context, calendarID, uid string) (*Object, error)
	PutObject(ctx context.Context, obj *Object) error
	DeleteObject(ctx context.Context, calendarID, uid string) error
	ListObjects(ctx context.Context, calendarID string, start, end *time.Time) ([]*Object, error)
	ListObjectsByComponent(ctx context.Context, calendarID string, components []string, start, end *time.Time) ([]*Object, error)

	ListCalendarChanges(ctx context.Context, calendarID string, sinceSeq int64, limit int) ([]Change, int64, error)
}

type AddressBookStore interface {
	CreateAddressBook(ctx context.Context, ab *AddressBook) error
	GetAddressBook(ctx context.Context, owner, uri string) (*AddressBook, error)
	ListAddressBooks(ctx context.Context, owner string) ([]*AddressBook, error)
	UpdateAddressBook(ctx context.Context, ab *AddressBook) error
	DeleteAddressBook(ctx context.Context, owner, uri string) error
	DeleteAddressBooksByOwner(ctx context.Context, owner string) error

	GetCard(ctx context.Context, addressBookID, uid string) (*Card, error)
	PutCard(ctx context.Context, card *Card) error
	DeleteCard(ctx context.Context, addressBookID, uid string) error
	ListCards(ctx context.Context, addressBookID string) ([]*Card, error)

	ListAddressBookChanges(ctx context.Context, addressBookID string, sinceSeq int64, limit int) ([]Change, int64, error)
}

type InboxStore interface {
	DeliverInbox(ctx context.Context, msg *InboxMessage) error
	ListInbox(ctx context.Context, owner string) ([]*InboxMessage, error)
	DeleteInbox(ctx context.Context, owner, id string) error
}

type SettingStore interface {
	GetSetting(ctx context.Context, key string) ([]byte, error)
	PutSetting(ctx context.Context, key string, value []byte) error
}

type Store interface {
	Close()
	UserStore
	PrincipalStore
	CalendarStore
	AddressBookStore
	InboxStore
	SettingStore
}
