package catalogue

import "context"

// Page is one page of a catalogue listing, with an opaque cursor for the
// next page. An empty Cursor means there is nothing further to fetch.
type Page struct {
	Entries []Entry
	Cursor  string
}

// Reader is the external-collaborator interface the Index refresher
// consumes. Implementations may back onto any store; the Index only needs
// paginated, eventually-consistent reads of active pipelines.
type Reader interface {
	List(ctx context.Context, cursor string) (Page, error)
}

// ListAll drains a Reader across every page, for callers (the Index
// refresher, tests) that want the whole set in one call.
func ListAll(ctx context.Context, r Reader) ([]Entry, error) {
	var all []Entry
	cursor := ""
	for {
		page, err := r.List(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Entries...)
		if page.Cursor == "" {
			return all, nil
		}
		cursor = page.Cursor
	}
}
