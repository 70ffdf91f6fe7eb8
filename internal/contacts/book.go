// Package contacts resolves attendee names to email addresses from a
// vCard address book. The book is loaded once at startup; calendar
// tools use it so the user can say "invite Alice" instead of typing an
// address.
package contacts

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-vcard"
)

// Entry is one address book card.
type Entry struct {
	Name  string
	Email string
}

// Book is an immutable set of contacts.
type Book struct {
	entries []Entry
}

// Load reads every card from a .vcf file. Cards without an email
// address are skipped.
func Load(path string) (*Book, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open address book: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads cards from a vCard stream.
func Parse(r io.Reader) (*Book, error) {
	dec := vcard.NewDecoder(r)

	var entries []Entry
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode vcard: %w", err)
		}

		email := card.PreferredValue(vcard.FieldEmail)
		if email == "" {
			continue
		}
		name := card.PreferredValue(vcard.FieldFormattedName)
		entries = append(entries, Entry{Name: name, Email: email})
	}

	return &Book{entries: entries}, nil
}

// Len returns the number of loaded contacts.
func (b *Book) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Resolve maps an attendee reference to an email address. Anything that
// already looks like an address passes through. Otherwise the name is
// matched case-insensitively against card names, exact match first,
// then substring. An unresolvable name returns "" so the caller can
// decide whether to drop or report it. Safe on a nil receiver.
func (b *Book) Resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "@") {
		return ref
	}
	if b == nil {
		return ""
	}

	lower := strings.ToLower(ref)
	for _, e := range b.entries {
		if strings.ToLower(e.Name) == lower {
			return e.Email
		}
	}
	for _, e := range b.entries {
		if strings.Contains(strings.ToLower(e.Name), lower) {
			return e.Email
		}
	}
	return ""
}
