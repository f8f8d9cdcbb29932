package tell

import "time"

// Kind distinguishes complaints from praise.
type Kind string

const (
	KindBrandBlast Kind = "brandblast"
	KindBrandBeat  Kind = "brandbeat"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindBrandBlast || k == KindBrandBeat
}

// Resolution state labels stored on the tell row. The resolution package owns
// the workflow; these are the only two values a freshly created tell can carry.
const (
	resolutionStateNone    = "none"
	resolutionStateInitial = "initial"
)

type Tell struct {
	ID              string
	Title           string
	Content         string
	BrandID         string
	AuthorID        string
	Kind            Kind
	ResolutionState string
	Hidden          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Filters struct {
	BrandID         string
	AuthorID        string
	Kind            Kind
	ResolutionState string
	Query           string
	IncludeHidden   bool
	Page            int
	PageSize        int
	SortKey         string
	SortOrder       string
}
