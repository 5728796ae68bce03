// Package auth keeps the accounts clients register and log in with.
package auth

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/relaychat/internal/chat"
)

// Account rules.
const (
	MinUsernameLength = 3
	MinPasswordLength = 6
)

// User is a registered account.
type User struct {
	Username string
	Email    string
}

type account struct {
	User
	hash []byte
}

// Directory is an in-memory account directory with bcrypt password hashes.
// Emails are matched case-insensitively.
type Directory struct {
	mu      sync.RWMutex
	byEmail map[string]*account
	byName  map[string]*account
	cost    int
}

// NewDirectory creates an empty Directory hashing with bcrypt.DefaultCost.
func NewDirectory() *Directory {
	return NewDirectoryWithCost(bcrypt.DefaultCost)
}

// NewDirectoryWithCost creates an empty Directory with a custom bcrypt cost.
func NewDirectoryWithCost(cost int) *Directory {
	return &Directory{
		byEmail: make(map[string]*account),
		byName:  make(map[string]*account),
		cost:    cost,
	}
}

// Register validates and adds an account.
func (d *Directory) Register(username, email, password string) (User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	switch {
	case username == "" || email == "" || password == "":
		return User{}, chat.Errorf(chat.ErrValidation, "username, email and password are required")
	case len([]rune(username)) < MinUsernameLength:
		return User{}, chat.Errorf(chat.ErrValidation, "username must be at least %d characters", MinUsernameLength)
	case !strings.Contains(email, "@"):
		return User{}, chat.Errorf(chat.ErrValidation, "invalid email address")
	case len(password) < MinPasswordLength:
		return User{}, chat.Errorf(chat.ErrValidation, "password must be at least %d characters", MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return User{}, chat.Errorf(chat.ErrValidation, "password is too long")
	}
	if err != nil {
		return User{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := strings.ToLower(email)
	if _, ok := d.byEmail[key]; ok {
		return User{}, chat.Errorf(chat.ErrValidation, "email is already registered")
	}
	if _, ok := d.byName[username]; ok {
		return User{}, chat.Errorf(chat.ErrValidation, "username is already taken")
	}

	a := &account{User: User{Username: username, Email: email}, hash: hash}
	d.byEmail[key] = a
	d.byName[username] = a
	return a.User, nil
}

// Authenticate checks an email and password pair.
func (d *Directory) Authenticate(email, password string) (User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return User{}, chat.Errorf(chat.ErrValidation, "email and password are required")
	}

	d.mu.RLock()
	a, ok := d.byEmail[strings.ToLower(email)]
	d.mu.RUnlock()

	if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(password)) != nil {
		return User{}, chat.Errorf(chat.ErrUnauthorized, "invalid email or password")
	}
	return a.User, nil
}

// Exists reports whether username is registered.
func (d *Directory) Exists(username string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byName[username]
	return ok
}

// Len returns the number of accounts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName)
}
