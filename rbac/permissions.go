// Package rbac decides whether a principal may perform an action on a
// resource inside an organization. Decisions are resolved from the principal's
// role via a TTL-bounded cache and always fail closed.
package rbac

import "github.com/patternforge/authcore/store"

// Allows reports whether the permission set grants action on resource,
// optionally narrowed to resourceID. A grant exists when an exact
// (action, resource) match covers the id, or when an ADMIN permission covers
// the resource or the whole organization.
func Allows(perms []store.Permission, action store.Action, resource store.Resource, resourceID string) bool {
	for _, p := range perms {
		switch {
		case p.Action == action && p.Resource == resource:
			if p.InScope(resourceID) {
				return true
			}
		case p.Action == store.ActionAdmin && p.Resource == resource:
			if p.InScope(resourceID) {
				return true
			}
		case p.Action == store.ActionAdmin && p.Resource == store.ResourceOrganization:
			return true
		}
	}
	return false
}
