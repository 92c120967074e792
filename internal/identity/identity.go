// Package identity defines the addressable participants of a peerlink network.
//
// An ID is either a numeric client id (cid) rendered in decimal, or a symmetric
// name such as "server.alpha". Both forms compare by their string value.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrEmptyID   = errors.New("identity: empty id")
	ErrInvalidID = errors.New("identity: invalid id")
)

// ID is the stable identifier of one logical participant.
type ID string

// String returns the string form of the id.
func (id ID) String() string { return string(id) }

// IsZero reports whether id is unset.
func (id ID) IsZero() bool { return id == "" }

// CID returns the numeric form when id was built from a cid.
func (id ID) CID() (uint64, bool) {
	v, err := strconv.ParseUint(string(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// FromCID renders a numeric client id as an ID.
func FromCID(cid uint64) ID {
	return ID(strconv.FormatUint(cid, 10))
}

// Parse normalizes and validates raw into an ID.
func Parse(raw string) (ID, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return "", ErrEmptyID
	}
	if !isValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return ID(id), nil
}

// MustParse is Parse for ids known at compile time.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseList parses every entry of raw, reporting the first failing index.
func ParseList(raw []string) ([]ID, error) {
	out := make([]ID, 0, len(raw))
	for i, r := range raw {
		id, err := Parse(r)
		if err != nil {
			return nil, fmt.Errorf("ids[%d]: %w", i, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// Role is the part an identity plays in a session.
type Role string

const (
	RoleServer Role = "server"
	RolePeer   Role = "peer"
)

func (r Role) Valid() bool {
	return r == RoleServer || r == RolePeer
}

// Named pairs an identity with its optional human-readable alias.
type Named struct {
	ID    ID
	Alias string
}

func (n Named) String() string {
	if n.Alias == "" {
		return string(n.ID)
	}
	return fmt.Sprintf("%s(%s)", n.Alias, n.ID)
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
