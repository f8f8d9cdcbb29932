package brand

import "time"

// ResolutionPolicy says whether resolving a complaint against the brand
// requires a payment step, and how much.
type ResolutionPolicy struct {
	Paid     bool
	Fee      int64 // minor currency units
	Currency string
}

// Profile captures the brand data exposed via the public API layer.
type Profile struct {
	ID        string
	Name      string
	Verified  bool
	Policy    ResolutionPolicy
	CreatedAt time.Time
}

// CreateParams contains write parameters for registering a brand.
type CreateParams struct {
	Name     string
	Verified bool
	Policy   ResolutionPolicy
}
