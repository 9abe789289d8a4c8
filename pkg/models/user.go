package models

import (
	"context"
	"time"
)

// Role is a user's authorization role.
type Role string

// Roles
const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// User belongs to exactly one organization.
type User struct {
	Meta

	username     String
	email        String
	password     Password
	organization Relation
	role         String
	active       Bool
	createdAt    Datetime
}

func (u *User) Kind() string { return KindUser }
func (u *User) Global() bool { return true }

func (u *User) Fields() []NamedField {
	return []NamedField{
		{Name: "username", Field: &u.username, Required: true},
		{Name: "email", Field: &u.email, Rule: "email"},
		{Name: "password", Field: &u.password},
		{Name: "organization", Field: relationTo(&u.organization, KindOrganization), Required: true},
		{Name: "role", Field: &u.role, Rule: "user_role"},
		{Name: "active", Field: &u.active},
		{Name: "created_at", Field: &u.createdAt},
	}
}

// NewUser returns an unsaved, active member of org.
func NewUser(username string, org *Organization) *User {
	u := &User{}
	u.username.Set(username)
	u.role.Set(string(RoleMember))
	u.active.Set(true)
	if org != nil {
		u.organization.Set(org)
	}
	return u
}

func (u *User) Username() string      { return u.username.Get() }
func (u *User) Email() string         { return u.email.Get() }
func (u *User) SetEmail(email string) { u.email.Set(email) }

// Role returns the user role, member when unset.
func (u *User) Role() Role {
	if u.role.IsEmpty() {
		return RoleMember
	}
	return Role(u.role.Get())
}

func (u *User) SetRole(r Role) { u.role.Set(string(r)) }

func (u *User) Active() bool     { return u.active.Get() }
func (u *User) SetActive(a bool) { u.active.Set(a) }

// SetPassword hashes and stores plain.
func (u *User) SetPassword(plain string) error { return u.password.Set(plain) }

// CheckPassword reports whether plain matches the stored hash.
func (u *User) CheckPassword(plain string) bool { return u.password.Verify(plain) }

// Organization returns the loaded organization, or nil.
func (u *User) Organization() *Organization {
	o, _ := u.organization.Target().(*Organization)
	return o
}

func (u *User) SetOrganization(o *Organization) {
	if o == nil {
		u.organization.Set(nil)
		return
	}
	u.organization.Set(o)
}

func (u *User) CreatedAt() time.Time { return u.createdAt.Get() }

// LoadUser loads a user and its organization.
func (m *Manager) LoadUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	if err := m.Load(ctx, u, GlobalNamespace, id); err != nil {
		return nil, err
	}
	return u, nil
}

// ListUsers returns every user.
func (m *Manager) ListUsers(ctx context.Context) ([]*User, error) {
	recs, err := m.List(ctx, KindUser, GlobalNamespace, true)
	if err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.(*User))
	}
	sortByID(out)
	return out, nil
}
