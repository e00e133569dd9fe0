package search

// Segment is a top-level upstream category.
type Segment struct {
	Slug string
	Name string
	ID   string
}

// DefaultSegments is the static segment table, in request order.
var DefaultSegments = []Segment{
	{Slug: "concerts", Name: "Music", ID: "KZFzniwnSyZfZ7v7nJ"},
	{Slug: "sports", Name: "Sports", ID: "KZFzniwnSyZfZ7v7nE"},
	{Slug: "arts-theater", Name: "Arts & Theatre", ID: "KZFzniwnSyZfZ7v7na"},
	{Slug: "family", Name: "Family", ID: "KZFzniwnSyZfZ7v7n1"},
}

// ClassificationSet is an ordered list of opaque category identifiers.
// An empty set places no category restriction on the search.
type ClassificationSet []string

// IDs returns the identifiers, never nil, so an empty set encodes as [].
func (c ClassificationSet) IDs() []string {
	if len(c) == 0 {
		return []string{}
	}
	out := make([]string, len(c))
	copy(out, c)
	return out
}

func (c ClassificationSet) Empty() bool { return len(c) == 0 }

// Classifications derives the set from the category flags using segments,
// which defaults to DefaultSegments when nil. Extra identifiers from the
// options are appended after the flagged segments, without duplicates.
func Classifications(opts FilterOptions, segments []Segment) ClassificationSet {
	if segments == nil {
		segments = DefaultSegments
	}

	flags := map[string]bool{
		"concerts":     opts.Concerts,
		"sports":       opts.Sports,
		"arts-theater": opts.ArtsTheater,
		"family":       opts.Family,
	}

	seen := make(map[string]struct{})
	set := ClassificationSet{}
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		set = append(set, id)
	}

	for _, seg := range segments {
		if flags[seg.Slug] {
			add(seg.ID)
		}
	}
	for _, id := range opts.ClassificationIDs {
		add(id)
	}
	return set
}
