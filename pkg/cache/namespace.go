package cache

import (
	"fmt"
	"strings"
)

// Namespace builds isolated keys of the form
// {prefix}:{environment}[:{tenant}]:{entity}:{id}.
type Namespace struct {
	Prefix      string
	Environment string
	Tenant      string
}

// NewNamespace returns a namespace without tenant scoping.
func NewNamespace(prefix, environment string) Namespace {
	return Namespace{Prefix: prefix, Environment: environment}
}

// WithTenant returns a copy scoped to tenant. An empty tenant removes scoping.
func (n Namespace) WithTenant(tenant string) Namespace {
	n.Tenant = tenant
	return n
}

// Base returns the namespace part shared by every key.
func (n Namespace) Base() string {
	parts := []string{n.Prefix, n.Environment}
	if n.Tenant != "" {
		parts = append(parts, n.Tenant)
	}
	return strings.Join(parts, ":")
}

// Key joins entity and id segments below the namespace base.
func (n Namespace) Key(entity string, ids ...interface{}) string {
	var b strings.Builder
	b.WriteString(n.Base())
	b.WriteByte(':')
	b.WriteString(entity)
	for _, id := range ids {
		fmt.Fprintf(&b, ":%v", id)
	}
	return b.String()
}

// Pattern returns a glob matching every key of entity in this namespace.
func (n Namespace) Pattern(entity string) string {
	return fmt.Sprintf("%s:%s:*", n.Base(), entity)
}
