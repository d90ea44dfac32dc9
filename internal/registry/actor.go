package registry

// Actor is the capability value identifying the caller of admin-only
// operations. It is resolved once at the service boundary (auth middleware)
// and passed explicitly rather than read from ambient state.
type Actor struct {
	Subject string
	Admin   bool
}
