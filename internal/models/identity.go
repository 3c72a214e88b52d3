package models

import (
	"fmt"
	"strings"
)

// Kind distinguishes the two identity spaces that can take part in a conversation.
type Kind string

const (
	KindPartner Kind = "partner"
	KindUser    Kind = "user"
)

// ParseKind accepts the canonical lower-case names as well as "Partner"/"User".
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPartner:
		return KindPartner, nil
	case KindUser:
		return KindUser, nil
	}
	return "", fmt.Errorf("unknown identity kind %q", s)
}

func (k Kind) Valid() bool {
	return k == KindPartner || k == KindUser
}

// Other returns the opposite kind. Every conversation pairs one of each.
func (k Kind) Other() Kind {
	if k == KindPartner {
		return KindUser
	}
	return KindPartner
}

// Identity is a reference to either a partner or a user. An id is never
// meaningful without its kind.
type Identity struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

func NewIdentity(id string, kind Kind) Identity {
	return Identity{ID: id, Kind: kind}
}

func (i Identity) IsZero() bool {
	return i.ID == "" || !i.Kind.Valid()
}

func (i Identity) IsPartner() bool {
	return i.Kind == KindPartner
}

func (i Identity) String() string {
	return string(i.Kind) + ":" + i.ID
}
