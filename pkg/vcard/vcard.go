package vcard

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	govcard "github.com/emersion/go-vcard"
	"github.com/google/uuid"
)

// Version written by Normalize.
const Version = "3.0"

var (
	ErrEmpty    = errors.New("empty vCard data")
	ErrMultiple = errors.New("a vCard resource must contain exactly one card")
)

// Card is a normalized vCard ready to be stored.
type Card struct {
	UID           string
	FormattedName string
	Data          []byte
}

// Normalize validates a single vCard, rewrites it as version 3.0, derives a
// missing FN from N and assigns a UID when none is present.
func Normalize(raw []byte) (*Card, error) {
	cards, err := parseAll(raw)
	if err != nil {
		return nil, err
	}
	switch len(cards) {
	case 0:
		return nil, ErrEmpty
	case 1:
	default:
		return nil, ErrMultiple
	}
	c := cards[0]

	c.SetValue(govcard.FieldVersion, Version)

	if c.Value(govcard.FieldFormattedName) == "" {
		if name := c.Name(); name != nil {
			fn := strings.Join(strings.Fields(strings.Join([]string{
				name.GivenName, name.AdditionalName, name.FamilyName,
			}, " ")), " ")
			if fn != "" {
				c.SetValue(govcard.FieldFormattedName, fn)
			}
		}
		if c.Value(govcard.FieldFormattedName) == "" {
			return nil, errors.New("vcard missing FN and cannot generate from N")
		}
	}

	if c.Value(govcard.FieldUID) == "" {
		c.SetValue(govcard.FieldUID, uuid.NewString())
	}

	var buf bytes.Buffer
	if err := govcard.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return &Card{
		UID:           c.Value(govcard.FieldUID),
		FormattedName: c.Value(govcard.FieldFormattedName),
		Data:          buf.Bytes(),
	}, nil
}

// Values returns every value of field in the first card of raw.
func Values(raw []byte, field string) ([]string, error) {
	cards, err := parseAll(raw)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, ErrEmpty
	}
	return cards[0].Values(strings.ToUpper(field)), nil
}

func parseAll(b []byte) ([]govcard.Card, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, ErrEmpty
	}
	// Normalize line endings to CRLF.
	content := strings.ReplaceAll(string(b), "\r\n", "\n")
	content = strings.ReplaceAll(content, "\n", "\r\n")

	dec := govcard.NewDecoder(strings.NewReader(content))
	var out []govcard.Card
	for {
		c, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode vCard: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}
