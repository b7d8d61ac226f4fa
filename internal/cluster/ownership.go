package cluster

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"jobmesh/internal/jobs"
)

// HashOwnership assigns each resource to a member by hashing its ID over the
// sorted member list. Pins override the hash.
//
// With RequireStartUp set, a resource has no owner until StartUp was called
// for it, mirroring directories that only know resources already serving.
type HashOwnership struct {
	members Membership

	RequireStartUp bool

	mu      sync.RWMutex
	pins    map[string]MemberID
	started map[string]bool
}

func NewHashOwnership(m Membership) *HashOwnership {
	return &HashOwnership{members: m, pins: map[string]MemberID{}, started: map[string]bool{}}
}

// Pin forces the owner of a resource. An empty member removes the pin.
func (o *HashOwnership) Pin(resourceID string, member MemberID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if member == "" {
		delete(o.pins, resourceID)
		return
	}
	o.pins[resourceID] = member
}

func (o *HashOwnership) OwnerOf(ctx context.Context, resourceID string) (MemberID, bool, error) {
	resourceID = strings.TrimSpace(resourceID)
	o.mu.RLock()
	pinned, ok := o.pins[resourceID]
	started := o.started[resourceID]
	o.mu.RUnlock()
	if ok {
		return pinned, true, nil
	}
	if o.RequireStartUp && !started {
		return "", false, nil
	}

	members, err := o.members.Members(ctx)
	if err != nil {
		return "", false, err
	}
	if len(members) == 0 {
		return "", false, nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(resourceID))
	return members[int(h.Sum32()%uint32(len(members)))], true, nil
}

func (o *HashOwnership) StartUp(ctx context.Context, desc jobs.Descriptor) error {
	o.mu.Lock()
	o.started[desc.ResourceID()] = true
	o.mu.Unlock()
	return nil
}

// StaticEligibility is a policy driven by two lists: disabled modules and
// locked resources.
//
// Disabled entries are "module" (every tenant) or "<tenant>/module".
// Locked entries are "<tenant>/<principal>/<module>"; principal "*" locks
// the module for every principal of the tenant.
type StaticEligibility struct {
	mu       sync.RWMutex
	disabled map[string]bool
	locked   map[string]bool
}

func NewStaticEligibility(disabled, locked []string) *StaticEligibility {
	e := &StaticEligibility{}
	e.Set(disabled, locked)
	return e
}

// Set replaces both lists.
func (e *StaticEligibility) Set(disabled, locked []string) {
	d := make(map[string]bool, len(disabled))
	for _, s := range disabled {
		if s = strings.TrimSpace(s); s != "" {
			d[s] = true
		}
	}
	l := make(map[string]bool, len(locked))
	for _, s := range locked {
		if s = strings.TrimSpace(s); s != "" {
			l[s] = true
		}
	}
	e.mu.Lock()
	e.disabled = d
	e.locked = l
	e.mu.Unlock()
}

func (e *StaticEligibility) IsModuleEnabled(ctx context.Context, tenant, principal int64, module string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.disabled[module] {
		return false, nil
	}
	desc := jobs.Descriptor{Tenant: tenant, Module: module}
	return !e.disabled[desc.ResourceID()], nil
}

func (e *StaticEligibility) IsLocked(ctx context.Context, tenant, principal int64, module string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.locked[jobs.PrincipalGroup(tenant, principal)+"/"+module] {
		return true, nil
	}
	return e.locked[jobs.TenantGroupPrefix(tenant)+"*/"+module], nil
}
