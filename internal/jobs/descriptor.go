package jobs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Descriptor identifies a unit of recurring work. It is immutable; every
// other key (registry key, trigger key, trigger group) is derived from it.
type Descriptor struct {
	Tenant    int64  `json:"tenant"`
	Principal int64  `json:"principal"`
	Module    string `json:"module"`
	Kind      string `json:"kind"`
}

var ErrInvalidDescriptor = errors.New("invalid job descriptor")

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Kind) == "" {
		return fmt.Errorf("%w: kind required", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(d.Module) == "" {
		return fmt.Errorf("%w: module required", ErrInvalidDescriptor)
	}
	if strings.Contains(d.Kind, "/") || strings.Contains(d.Module, "/") {
		return fmt.Errorf("%w: kind and module must not contain '/'", ErrInvalidDescriptor)
	}
	return nil
}

// Key is the stable job key: "<kind>/<tenant>/<principal>/<module>".
func (d Descriptor) Key() string {
	return d.Kind + "/" + strconv.FormatInt(d.Tenant, 10) + "/" + strconv.FormatInt(d.Principal, 10) + "/" + d.Module
}

// Group is the trigger group (and monitoring partition) of the job.
func (d Descriptor) Group() string { return PrincipalGroup(d.Tenant, d.Principal) }

// TriggerName is the key of the job's local trigger.
func (d Descriptor) TriggerName() string { return "trg/" + d.Key() }

// ResourceID names the resource the job operates on, for ownership lookups.
func (d Descriptor) ResourceID() string {
	return strconv.FormatInt(d.Tenant, 10) + "/" + d.Module
}

func (d Descriptor) String() string { return d.Key() }

// PrincipalGroup is the trigger group shared by all jobs of one principal.
func PrincipalGroup(tenant, principal int64) string {
	return strconv.FormatInt(tenant, 10) + "/" + strconv.FormatInt(principal, 10)
}

// TenantGroupPrefix matches the trigger groups of every principal of a tenant.
func TenantGroupPrefix(tenant int64) string {
	return strconv.FormatInt(tenant, 10) + "/"
}

// ParseKey is the inverse of Descriptor.Key.
func ParseKey(key string) (Descriptor, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return Descriptor{}, fmt.Errorf("%w: malformed key %q", ErrInvalidDescriptor, key)
	}
	tenant, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: tenant in %q", ErrInvalidDescriptor, key)
	}
	principal, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: principal in %q", ErrInvalidDescriptor, key)
	}
	d := Descriptor{Kind: parts[0], Tenant: tenant, Principal: principal, Module: parts[3]}
	return d, d.Validate()
}
