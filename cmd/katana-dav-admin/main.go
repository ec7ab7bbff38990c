package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/events"
	"github.com/sonroyaalmerol/katana-dav/internal/logging"
	"github.com/sonroyaalmerol/katana-dav/internal/principals"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
	"github.com/sonroyaalmerol/katana-dav/internal/storage/backend"
	"github.com/sonroyaalmerol/katana-dav/internal/users"
)

const usage = "usage: katana-dav-admin -action create-user|set-password|delete-user|create-calendar|create-addressbook -user <name> [-password <pw>] [-email <addr>] [-name <display name>] [-uri <collection>]"

type options struct {
	action   string
	user     string
	password string
	email    string
	name     string
	uri      string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("katana-dav-admin", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.action, "action", "", "Action to perform (required)")
	fs.StringVar(&o.user, "user", "", "Username (required)")
	fs.StringVar(&o.password, "password", "", "Password for create-user and set-password")
	fs.StringVar(&o.email, "email", "", "Email address for create-user")
	fs.StringVar(&o.name, "name", "", "Display name (optional)")
	fs.StringVar(&o.uri, "uri", "", "Collection URI for create-calendar and create-addressbook")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.action == "" || o.user == "" {
		return o, errors.New(usage)
	}
	return o, nil
}

// admin runs provisioning actions through the same plugins the server uses.
type admin struct {
	store  storage.Store
	dir    *principals.Backend
	events *events.Dispatcher
	users  *users.Plugin
	logger zerolog.Logger
}

func newAdmin(cfg *config.Config, store storage.Store, logger zerolog.Logger) *admin {
	dir := principals.NewBackend(store, principals.FirstAdministrator{Login: cfg.Admin.Login}, logger)
	d := events.NewDispatcher()
	dir.Register(d)
	plugin := users.NewPlugin(store, users.Hasher{Cost: cfg.PasswordCost}, logger)
	plugin.Register(d)
	return &admin{store: store, dir: dir, events: d, users: plugin, logger: logger}
}

func (a *admin) run(ctx context.Context, o options) error {
	switch o.action {
	case "create-user":
		return a.createUser(ctx, o)
	case "set-password":
		if o.password == "" {
			return errors.New("-password is required")
		}
		if _, err := a.dir.Principal(ctx, principals.Path(o.user)); err != nil {
			return err
		}
		return a.users.SetPassword(ctx, o.user, o.password)
	case "delete-user":
		return a.deleteUser(ctx, o.user)
	case "create-calendar":
		if o.uri == "" {
			return errors.New("-uri is required")
		}
		return a.store.CreateCalendar(ctx, &storage.Calendar{Owner: o.user, URI: o.uri, DisplayName: displayName(o)})
	case "create-addressbook":
		if o.uri == "" {
			return errors.New("-uri is required")
		}
		return a.store.CreateAddressBook(ctx, &storage.AddressBook{Owner: o.user, URI: o.uri, DisplayName: displayName(o)})
	default:
		return fmt.Errorf("unknown action %q", o.action)
	}
}

func displayName(o options) string {
	if o.name != "" {
		return o.name
	}
	if o.uri != "" {
		return o.uri
	}
	return o.user
}

func (a *admin) createUser(ctx context.Context, o options) error {
	if o.password == "" {
		return errors.New("-password is required")
	}
	p := &storage.Principal{URI: principals.Path(o.user), Email: o.email, DisplayName: displayName(o)}
	if err := a.dir.Create(ctx, p); err != nil {
		return err
	}
	if err := a.users.SetPassword(ctx, o.user, o.password); err != nil {
		_ = a.store.DeletePrincipal(ctx, p.URI)
		return err
	}
	return nil
}

func (a *admin) deleteUser(ctx context.Context, username string) error {
	path := principals.Path(username)
	if err := a.dir.Delete(ctx, path); err != nil {
		return err
	}
	if err := a.events.EmitUnbind(ctx, path); err != nil {
		return err
	}
	if err := a.store.DeleteCalendarsByOwner(ctx, username); err != nil {
		return err
	}
	return a.store.DeleteAddressBooksByOwner(ctx, username)
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Component(logging.New(cfg.LogLevel, cfg.LogFormat), "admin-cli")

	store, err := backend.Open(cfg.Storage, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage init: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := newAdmin(cfg, store, logger).run(context.Background(), o); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", o.action, err)
		store.Close()
		os.Exit(1)
	}

	logger.Info().Str("action", o.action).Str("user", o.user).Str("uri", o.uri).Msg("done")
	fmt.Printf("%s ok user=%s\n", o.action, o.user)
}
