// Package auth provides principals and role-based access control for the
// host's control surface (boot, pause, resume, shutdown, component toggles).
package auth

import (
	"context"
	"regexp"
	"strings"
)

var (
	// permissionSanitizer allows only alphanumeric characters, dots and hyphens
	// in the dynamic parts of a permission.
	permissionSanitizer = regexp.MustCompile(`[^a-zA-Z0-9.-]+`)
)

// contextKey is an unexported type for context keys.
type contextKey int

const (
	principalContextKey contextKey = iota
)

// Host control actions.
const (
	ActionBoot     = "boot"
	ActionStatus   = "status"
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionShutdown = "shutdown"
	ActionList     = "list"
	ActionEnable   = "enable"
	ActionDisable  = "disable"
)

// PrincipalFromContext retrieves the Principal from the given context.
// Returns nil if no Principal is found.
func PrincipalFromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalContextKey).(Principal); ok {
		return p
	}
	return nil
}

// ContextWithPrincipal returns a new context with the given Principal embedded.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// Permission defines a specific action that can be performed.
type Permission string

// HostPermission returns the permission guarding a host control action.
func HostPermission(action string) Permission {
	return Permission("host.control." + sanitizePermissionComponent(action))
}

// ComponentPermission returns the permission guarding an action on one component.
func ComponentPermission(action, component string) Permission {
	return Permission("host.component." + sanitizePermissionComponent(action) + "." + sanitizePermissionComponent(component))
}

// Role defines a collection of permissions.
type Role struct {
	Name        string       `mapstructure:"name" yaml:"name"`
	Permissions []Permission `mapstructure:"permissions" yaml:"permissions"`
}

// RBACProvider defines the interface for a source of RBAC rules.
type RBACProvider interface {
	GetRole(name string) (*Role, bool)
}

// AccessController checks permissions for the host's sensitive operations.
type AccessController interface {
	// CanControlHost determines if the principal may perform a host-wide action.
	CanControlHost(ctx context.Context, p Principal, action string) bool
	// CanManageComponent determines if the principal may perform action on component.
	CanManageComponent(ctx context.Context, p Principal, action, component string) bool
	// HasPermission checks if a principal has a specific permission.
	HasPermission(p Principal, perm Permission) bool
}

// DefaultAccessController implements AccessController on top of an RBACProvider.
type DefaultAccessController struct {
	rbacProvider RBACProvider
}

// NewDefaultAccessController creates a new DefaultAccessController.
// If the provider is nil, it returns a controller that allows all actions.
func NewDefaultAccessController(provider RBACProvider) AccessController {
	if provider == nil {
		return &allowAllAccessController{}
	}
	return &DefaultAccessController{rbacProvider: provider}
}

// allowAllAccessController grants all permissions.
type allowAllAccessController struct{}

func (a *allowAllAccessController) CanControlHost(ctx context.Context, p Principal, action string) bool {
	return true
}
func (a *allowAllAccessController) CanManageComponent(ctx context.Context, p Principal, action, component string) bool {
	return true
}
func (a *allowAllAccessController) HasPermission(p Principal, perm Permission) bool { return true }

func (d *DefaultAccessController) CanControlHost(ctx context.Context, p Principal, action string) bool {
	return d.HasPermission(p, HostPermission(action))
}

func (d *DefaultAccessController) CanManageComponent(ctx context.Context, p Principal, action, component string) bool {
	return d.HasPermission(p, ComponentPermission(action, component))
}

// sanitizePermissionComponent replaces disallowed characters with an underscore.
func sanitizePermissionComponent(component string) string {
	return permissionSanitizer.ReplaceAllString(component, "_")
}

// matches reports whether granted covers perm. A grant ending in ".*" covers
// every permission starting with the prefix before it.
func matches(granted string, perm Permission) bool {
	if granted == string(perm) {
		return true
	}
	if strings.HasSuffix(granted, ".*") {
		prefix := strings.TrimSuffix(granted, "*")
		return strings.HasPrefix(string(perm), prefix)
	}
	return false
}

// HasPermission checks if the principal has the required permission, either directly
// through a role name or through the permissions of one of its roles.
func (d *DefaultAccessController) HasPermission(p Principal, perm Permission) bool {
	if p == nil {
		return false
	}
	for _, roleName := range p.Roles() {
		if matches(roleName, perm) {
			return true
		}
	}
	if d.rbacProvider == nil {
		return false
	}
	for _, roleName := range p.Roles() {
		role, ok := d.rbacProvider.GetRole(roleName)
		if !ok {
			continue
		}
		for _, rolePerm := range role.Permissions {
			if matches(string(rolePerm), perm) {
				return true
			}
		}
	}
	return false
}

// Principal represents the entity performing an action (an operator, the CLI, a component).
type Principal interface {
	// ID returns a unique identifier for the principal.
	ID() string
	// Type returns the type of the principal (e.g., "user", "cli", "component").
	Type() string
	// Roles returns a list of role names assigned to the principal.
	Roles() []string
}

// DefaultPrincipal is a simple implementation of Principal.
type DefaultPrincipal struct {
	id            string
	principalType string
	roles         []string
}

// NewDefaultPrincipal creates a new DefaultPrincipal.
func NewDefaultPrincipal(id, principalType string, roles []string) *DefaultPrincipal {
	return &DefaultPrincipal{
		id:            id,
		principalType: principalType,
		roles:         roles,
	}
}

func (p *DefaultPrincipal) ID() string {
	return p.id
}

func (p *DefaultPrincipal) Type() string {
	return p.principalType
}

func (p *DefaultPrincipal) Roles() []string {
	return p.roles
}
