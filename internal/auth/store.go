package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
)

// User is a statically configured account.
type User struct {
	Username     string   `toml:"username" mapstructure:"username" json:"username"`
	PasswordHash string   `toml:"password_hash" mapstructure:"password_hash" json:"-"`
	Roles        []string `toml:"roles" mapstructure:"roles" json:"roles"`
}

// Store looks users up by name. Users come from configuration, so the store
// is read-only after construction.
type Store struct {
	users map[string]User
}

// NewStore indexes users by name and rejects duplicates, empty hashes and
// unknown roles.
func NewStore(users []User) (*Store, error) {
	s := &Store{users: make(map[string]User, len(users))}
	for _, u := range users {
		name := strings.TrimSpace(u.Username)
		if name == "" {
			return nil, errors.New("auth user requires username")
		}
		if _, dup := s.users[name]; dup {
			return nil, fmt.Errorf("duplicate auth user %q", name)
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("auth user %q requires password_hash", name)
		}
		for _, r := range u.Roles {
			if _, ok := rolePermissions[r]; !ok {
				return nil, fmt.Errorf("auth user %q has unknown role %q", name, r)
			}
		}
		u.Username = name
		s.users[name] = u
	}
	return s, nil
}

func (s *Store) Get(username string) (User, error) {
	u, ok := s.users[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *Store) Len() int { return len(s.users) }
