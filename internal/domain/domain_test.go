package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomID(t *testing.T) {
	for range 500 {
		id := NewRoomID()
		require.Len(t, string(id), RoomIDLength)
		for _, r := range string(id) {
			assert.True(t, strings.ContainsRune(RoomIDAlphabet, r), "symbol %q outside alphabet", r)
		}
	}
}

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    RoomID
		wantErr bool
	}{
		{"canonical", "AB23CD", "AB23CD", false},
		{"lowercase and spaces", "  ab23cd ", "AB23CD", false},
		{"too short", "AB23C", "", true},
		{"ambiguous symbol", "AB23C0", "", true},
		{"letter O", "OB23CD", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRoomID(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRoomID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewMemberNames(t *testing.T) {
	assert.Equal(t, "Sam", NewMember("p1", "  Sam ", RoleViewer).Name)
	assert.Equal(t, UnknownName, NewMember("p1", "", RoleViewer).Name)
	assert.Equal(t, UnknownName, NewMember("p1", strings.Repeat("x", MaxNameLen+1), RoleViewer).Name)
	assert.True(t, NewMember("p1", "Unknown", RoleViewer).HasPlaceholderName())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("host")
	require.NoError(t, err)
	assert.Equal(t, RoleHost, r)

	_, err = ParseRole("admin")
	assert.ErrorIs(t, err, ErrUnknownRole)
}
