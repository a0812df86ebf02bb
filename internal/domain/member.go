// Package domain contains entities without logic beyond validation, just meta-data.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxNameLen = 36
	// UnknownName is shown until a peer announces its profile.
	UnknownName = "unknown"
)

var (
	ErrNameTooLong = errors.New("name too long")
	ErrNameEmpty   = errors.New("name empty")
	ErrUnknownRole = errors.New("unknown role")
)

// PeerID is assigned by the relay on welcome and is stable for one connection.
type PeerID string

type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleHost, RoleViewer:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Member is one participant as listed in the roster.
type Member struct {
	PeerID PeerID `json:"peerId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// NewMember keeps construction obvious; an unusable name becomes the placeholder.
func NewMember(id PeerID, name string, role Role) Member {
	n, err := NormalizeName(name)
	if err != nil {
		n = UnknownName
	}
	return Member{PeerID: id, Name: n, Role: role}
}

// HasPlaceholderName reports whether the name is still the "unknown" placeholder.
func (m Member) HasPlaceholderName() bool {
	return IsPlaceholderName(m.Name)
}

func IsPlaceholderName(name string) bool {
	n := strings.TrimSpace(name)
	return n == "" || strings.EqualFold(n, UnknownName)
}

// NormalizeName trims whitespace and validates length in runes.
func NormalizeName(name string) (string, error) {
	n := strings.TrimSpace(name)
	if n == "" {
		return "", ErrNameEmpty
	}
	if utf8.RuneCountInString(n) > MaxNameLen {
		return "", ErrNameTooLong
	}
	return n, nil
}
