// Package fixtures holds the identities shared by the gate's tests so that
// tenants, audiences and scopes are spelled the same way everywhere.
package fixtures

const (
	// TenantID is the home tenant of the protected application.
	TenantID = "72f988bf-86f1-41af-91ab-2d7cd011db47"

	// AltTenantID is a second tenant for multi-tenant cases.
	AltTenantID = "f8cdef31-a31e-4b4a-93e4-5f571e91255a"

	// ForeignTenantID is never allowed by any test configuration.
	ForeignTenantID = "00000000-0000-0000-0000-00000000beef"

	// ClientID is the application (audience) the tokens are issued for.
	ClientID = "api://repairs-api"

	// OtherClientID is an audience belonging to some other application.
	OtherClientID = "api://billing-api"

	// Subject is the default token subject.
	Subject = "b4f1a5c2-user"
)

// Scopes used by authorization tests.
const (
	ScopeRead  = "repairs.read"
	ScopeWrite = "repairs.write"
	ScopeAdmin = "repairs.admin"
)
