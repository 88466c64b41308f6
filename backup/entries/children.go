package entries

import (
	"sort"
	"strings"
)

// Child is one direct child of a prefix, aggregated from one or more
// entry records (a directory's kind may be inferred purely from
// having files beneath it, if no explicit kind=dir record exists).
type Child struct {
	Name string
	Path string
	Kind Kind
}

// ChildrenPage is one page of a children listing, per the
// (cursor, limit) paging contract: cursor is an opaque offset into a
// sorted, deduplicated stream.
type ChildrenPage struct {
	Children   []Child
	NextCursor *int
}

func kindRank(k Kind, fileFirst bool) int {
	if fileFirst {
		switch k {
		case KindFile:
			return 0
		case KindDir:
			return 1
		default:
			return 2
		}
	}
	switch k {
	case KindDir:
		return 0
	case KindFile:
		return 1
	default:
		return 2
	}
}

// ListChildren aggregates direct children of prefix (empty = root)
// out of records, sorts them (dirs before files before symlinks,
// then name ascending, unless fileFirst reorders files first), and
// returns the page starting at cursor of at most limit entries.
func ListChildren(records []Record, prefix string, cursor, limit int, fileFirst bool) ChildrenPage {
	prefix = strings.Trim(prefix, "/")

	type agg struct {
		kind     Kind
		explicit bool
	}
	byName := make(map[string]*agg)

	for _, r := range records {
		p := strings.Trim(r.Path, "/")
		if prefix != "" {
			if !strings.HasPrefix(p, prefix+"/") {
				continue
			}
			p = p[len(prefix)+1:]
		}
		if p == "" {
			continue
		}
		slash := strings.IndexByte(p, '/')
		var name string
		var inferredDir bool
		if slash < 0 {
			name = p
		} else {
			name = p[:slash]
			inferredDir = true
		}

		entry, ok := byName[name]
		if !ok {
			entry = &agg{}
			byName[name] = entry
		}
		if inferredDir {
			// A deeper path under this name proves it is a directory,
			// even absent an explicit kind=dir record.
			if !entry.explicit {
				entry.kind = KindDir
			}
			continue
		}
		// Direct record at this level: explicit kind=dir always wins
		// over a fallback inferred from sibling file records.
		if r.Kind == KindDir {
			entry.kind = KindDir
			entry.explicit = true
		} else if !entry.explicit {
			entry.kind = r.Kind
		}
	}

	all := make([]Child, 0, len(byName))
	for name, a := range byName {
		childPath := name
		if prefix != "" {
			childPath = prefix + "/" + name
		}
		all = append(all, Child{Name: name, Path: childPath, Kind: a.kind})
	}

	sort.Slice(all, func(i, j int) bool {
		ri, rj := kindRank(all[i].Kind, fileFirst), kindRank(all[j].Kind, fileFirst)
		if ri != rj {
			return ri < rj
		}
		return all[i].Name < all[j].Name
	})

	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(all) {
		return ChildrenPage{Children: nil, NextCursor: nil}
	}
	if limit <= 0 {
		limit = len(all)
	}
	end := cursor + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[cursor:end]

	var next *int
	if end < len(all) {
		n := end
		next = &n
	}
	return ChildrenPage{Children: page, NextCursor: next}
}
