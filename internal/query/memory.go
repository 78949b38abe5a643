package query

import (
	"context"
	"slices"
	"strings"

	"github.com/yourorg/vulnboard/internal/model"
)

// Lister is any store that can hand out every record.
type Lister interface {
	ListAll(ctx context.Context) ([]model.Vulnerability, error)
}

// MemoryEngine answers queries by reducing a full listing of the store.
type MemoryEngine struct {
	store Lister
}

func NewMemoryEngine(store Lister) *MemoryEngine {
	return &MemoryEngine{store: store}
}

func (e *MemoryEngine) Query(ctx context.Context, req Request) (*Result, error) {
	all, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	m := newMatcher(req.Filter)
	filtered := make([]model.Vulnerability, 0, len(all))
	for i := range all {
		if m.match(&all[i]) {
			filtered = append(filtered, all[i])
		}
	}
	slices.SortFunc(filtered, comparator(req.Sort))

	res := &Result{
		Data:  page(filtered, req.offset(), req.Limit),
		Page:  req.Page,
		Limit: req.Limit,
		Total: len(filtered),
	}
	if req.IncludeFacets {
		res.Metrics = computeMetrics(filtered, len(all))
		res.Options = computeOptions(all, filtered)
	}
	return res, nil
}

func page(rows []model.Vulnerability, offset, limit int) []model.Vulnerability {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return []model.Vulnerability{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return slices.Clone(rows[offset:end])
}

func (e *MemoryEngine) Suggest(ctx context.Context, term string, limit int) ([]Suggestion, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return []Suggestion{}, nil
	}
	limit = normalizeSuggestLimit(limit)

	all, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(all, func(a, b model.Vulnerability) int { return strings.Compare(a.ID, b.ID) })

	out := []Suggestion{}
	seen := map[string]struct{}{}
	for i := range all {
		v := &all[i]
		if !containsFold(v.CVEValue(), term) && !containsFold(v.ID, term) &&
			!containsFold(v.PackageName, term) && !containsFold(v.RepoName, term) &&
			!containsFold(v.ImageName, term) {
			continue
		}
		key := suggestionKey(v.CVE, v.ID)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, newSuggestion(key, v.PackageName, v.RepoName, v.ImageName))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Get prefers an exact id match, then a CVE match in the given, upper or
// lower case.
func (e *MemoryEngine) Get(ctx context.Context, ident string) (model.Vulnerability, bool, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return model.Vulnerability{}, false, nil
	}
	all, err := e.store.ListAll(ctx)
	if err != nil {
		return model.Vulnerability{}, false, err
	}

	cves := []string{ident, strings.ToUpper(ident), strings.ToLower(ident)}
	var (
		best  model.Vulnerability
		found bool
	)
	for i := range all {
		v := all[i]
		if v.ID == ident {
			return v, true, nil
		}
		if v.CVE == nil || !slices.Contains(cves, *v.CVE) {
			continue
		}
		if !found || v.ID < best.ID {
			best, found = v, true
		}
	}
	return best, found, nil
}
