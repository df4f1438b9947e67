package auth

import (
	"sort"
	"sync"
)

// RoleSet serves the roles declared under auth.roles in the host config.
// The host swaps the table with Replace when the config file changes.
type RoleSet struct {
	mu    sync.RWMutex
	roles map[string]Role
}

var _ RBACProvider = (*RoleSet)(nil)

// NewRoleSet returns a provider holding roles.
func NewRoleSet(roles []Role) *RoleSet {
	s := &RoleSet{}
	s.Replace(roles)
	return s
}

// Replace installs roles in place of the current table. A later role with
// the same name overrides an earlier one.
func (s *RoleSet) Replace(roles []Role) {
	table := make(map[string]Role, len(roles))
	for _, r := range roles {
		table[r.Name] = Role{Name: r.Name, Permissions: append([]Permission(nil), r.Permissions...)}
	}
	s.mu.Lock()
	s.roles = table
	s.mu.Unlock()
}

// GetRole returns a copy of the named role.
func (s *RoleSet) GetRole(name string) (*Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[name]
	if !ok {
		return nil, false
	}
	return &r, true
}

// Names lists the known role names in order.
func (s *RoleSet) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.roles))
	for name := range s.roles {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}
