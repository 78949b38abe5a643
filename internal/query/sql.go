package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/vulnboard/internal/db"
	"github.com/yourorg/vulnboard/internal/model"
)

// SQLEngine pushes filtering, sorting and aggregation into PostgreSQL. The
// facet queries of one request run concurrently.
type SQLEngine struct {
	pool *pgxpool.Pool
}

func NewSQLEngine(pool *pgxpool.Pool) *SQLEngine {
	return &SQLEngine{pool: pool}
}

// where accumulates AND-ed conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *where) add(cond string) {
	w.conds = append(w.conds, cond)
}

// sql renders the clause with extra conditions appended. It returns its own
// copy of the arguments so callers may add more.
func (w *where) sql(extra ...string) (string, []any) {
	conds := append(append([]string(nil), w.conds...), extra...)
	args := append([]any(nil), w.args...)
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func buildWhere(f model.FilterSpec) *where {
	w := &where{}
	if len(f.Severities) > 0 {
		severities := make([]string, len(f.Severities))
		for i, s := range f.Severities {
			severities[i] = string(s)
		}
		w.add("severity = ANY(" + w.arg(severities) + ")")
	}
	if f.Repo != "" {
		w.add("repo_name = " + w.arg(f.Repo))
	}
	if f.Group != "" {
		w.add("group_name = " + w.arg(f.Group))
	}
	if len(f.KaiStatuses) > 0 {
		w.add("kai_status = ANY(" + w.arg(f.KaiStatuses) + ")")
	}
	if len(f.KaiExclude) > 0 {
		w.add("(kai_status IS NULL OR btrim(kai_status) = '' OR NOT (kai_status = ANY(" + w.arg(f.KaiExclude) + ")))")
	}
	if len(f.RiskFactors) > 0 {
		w.add("risk_factors && " + w.arg(f.RiskFactors) + "::text[]")
	}
	if f.HasDateRange() {
		w.add("published_at IS NOT NULL")
		if f.DateFrom != nil {
			w.add("published_at >= " + w.arg(*f.DateFrom))
		}
		if f.DateTo != nil {
			w.add("published_at <= " + w.arg(*f.DateTo))
		}
	}
	if f.HasCVSSRange() {
		w.add("cvss IS NOT NULL")
		if f.CVSSMin != nil {
			w.add("cvss >= " + w.arg(*f.CVSSMin))
		}
		if f.CVSSMax != nil {
			w.add("cvss <= " + w.arg(*f.CVSSMax))
		}
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		p := w.arg(term)
		fields := []string{"COALESCE(cve, '')", "package_name", "repo_name", "image_name", "group_name", "summary"}
		ors := make([]string, len(fields))
		for i, col := range fields {
			ors[i] = fmt.Sprintf("strpos(lower(%s), lower(%s)) > 0", col, p)
		}
		w.add("(" + strings.Join(ors, " OR ") + ")")
	}
	return w
}

func orderBy(spec model.SortSpec) string {
	dir, nulls := "ASC", "NULLS FIRST"
	if spec.Direction == model.Desc {
		dir, nulls = "DESC", "NULLS LAST"
	}
	switch spec.Key {
	case model.SortCVSS:
		return fmt.Sprintf(`cvss %s %s, severity_rank ASC, id COLLATE "C" ASC`, dir, nulls)
	case model.SortPublished:
		return fmt.Sprintf(`published_at %s %s, severity_rank ASC, id COLLATE "C" ASC`, dir, nulls)
	case model.SortRepoName:
		return fmt.Sprintf(`repo_name COLLATE "C" %s, severity_rank ASC, id COLLATE "C" ASC`, dir)
	case model.SortPackageName:
		return fmt.Sprintf(`package_name COLLATE "C" %s, severity_rank ASC, id COLLATE "C" ASC`, dir)
	default:
		rank := "ASC"
		if spec.Direction == model.Asc {
			rank = "DESC"
		}
		return fmt.Sprintf(`severity_rank %s, cvss DESC NULLS LAST, id COLLATE "C" ASC`, rank)
	}
}

func (e *SQLEngine) Query(ctx context.Context, req Request) (*Result, error) {
	w := buildWhere(req.Filter)
	res := &Result{Page: req.Page, Limit: req.Limit}

	var (
		metrics Metrics
		options Options
		total   int
		lo, hi  *float64
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		clause, args := w.sql()
		q := `SELECT ` + db.Columns + ` FROM vulnerabilities` + clause +
			` ORDER BY ` + orderBy(req.Sort) +
			fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		rows, err := e.list(gctx, q, append(args, req.Limit, req.offset())...)
		res.Data = rows
		return err
	})
	g.Go(func() error {
		clause, args := w.sql()
		return e.pool.QueryRow(gctx, `SELECT count(*) FROM vulnerabilities`+clause, args...).Scan(&res.Total)
	})

	if req.IncludeFacets {
		g.Go(func() error {
			return e.pool.QueryRow(gctx, `SELECT count(*) FROM vulnerabilities`).Scan(&total)
		})
		g.Go(func() (err error) {
			metrics.SeverityCounts, metrics.AIManual, err = e.severityFacets(gctx, w)
			return err
		})
		g.Go(func() (err error) {
			clause, args := w.sql()
			metrics.RiskFactors, err = e.nameValues(gctx, `
SELECT f.rf, count(*) FROM vulnerabilities CROSS JOIN LATERAL unnest(risk_factors) AS f(rf)`+clause+`
GROUP BY f.rf ORDER BY count(*) DESC, f.rf COLLATE "C" ASC LIMIT `+fmt.Sprint(TopRiskFactors), args...)
			return err
		})
		g.Go(func() (err error) {
			clause, args := w.sql()
			metrics.RepoSummary, err = e.nameValues(gctx, `
SELECT repo_name, count(*) FROM vulnerabilities`+clause+`
GROUP BY repo_name ORDER BY count(*) DESC, repo_name COLLATE "C" ASC LIMIT `+fmt.Sprint(TopRepos), args...)
			return err
		})
		g.Go(func() (err error) {
			metrics.Trend, err = e.trend(gctx, w)
			return err
		})
		g.Go(func() (err error) {
			clause, args := w.sql()
			metrics.Highlights, err = e.list(gctx, `SELECT `+db.Columns+` FROM vulnerabilities`+clause+`
ORDER BY severity_rank ASC, COALESCE(cvss, 0) DESC, id COLLATE "C" ASC LIMIT `+fmt.Sprint(HighlightCount), args...)
			return err
		})
		g.Go(func() error {
			clause, args := w.sql()
			return e.pool.QueryRow(gctx, `SELECT min(cvss), max(cvss) FROM vulnerabilities`+clause, args...).Scan(&lo, &hi)
		})
		g.Go(func() (err error) {
			options, err = e.distinctOptions(gctx)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if req.IncludeFacets {
		metrics.KPIs = newKPIs(total, res.Total)
		options.CVSSRange = cvssRange(lo, hi)
		res.Metrics = &metrics
		res.Options = &options
	}
	return res, nil
}

func (e *SQLEngine) list(ctx context.Context, q string, args ...any) ([]model.Vulnerability, error) {
	rows, err := e.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Vulnerability{}
	for rows.Next() {
		v, err := db.ScanVulnerability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (e *SQLEngine) nameValues(ctx context.Context, q string, args ...any) ([]NameValue, error) {
	rows, err := e.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []NameValue{}
	for rows.Next() {
		var nv NameValue
		if err := rows.Scan(&nv.Name, &nv.Value); err != nil {
			return nil, err
		}
		out = append(out, nv)
	}
	return out, rows.Err()
}

func (e *SQLEngine) severityFacets(ctx context.Context, w *where) ([]NameValue, []AIManual, error) {
	clause, args := w.sql()
	rows, err := e.pool.Query(ctx, `
SELECT severity, count(*), count(*) FILTER (WHERE strpos(lower(COALESCE(kai_status, '')), 'ai') > 0)
FROM vulnerabilities`+clause+`
GROUP BY severity`, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	totals := map[model.Severity]int{}
	ai := map[model.Severity]int{}
	for rows.Next() {
		var (
			severity string
			n, nAI   int
		)
		if err := rows.Scan(&severity, &n, &nAI); err != nil {
			return nil, nil, err
		}
		totals[model.Severity(severity)] = n
		ai[model.Severity(severity)] = nAI
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return severityHistogram(totals), aiManualBreakdown(ai, totals), nil
}

func (e *SQLEngine) trend(ctx context.Context, w *where) ([]TrendPoint, error) {
	clause, args := w.sql("published_at IS NOT NULL")
	rows, err := e.pool.Query(ctx, `
SELECT to_char(published_at AT TIME ZONE 'UTC', 'YYYY-MM') AS month,
       count(*) FILTER (WHERE severity = 'CRITICAL'),
       count(*) FILTER (WHERE severity = 'HIGH'),
       count(*) FILTER (WHERE severity = 'MEDIUM'),
       count(*) FILTER (WHERE severity = 'LOW'),
       count(*) FILTER (WHERE severity NOT IN ('CRITICAL', 'HIGH', 'MEDIUM', 'LOW')),
       count(*)
FROM vulnerabilities`+clause+`
GROUP BY month
ORDER BY month ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []TrendPoint{}
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Month, &p.Critical, &p.High, &p.Medium, &p.Low, &p.Unknown, &p.Total); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (e *SQLEngine) column(ctx context.Context, q string) ([]string, error) {
	rows, err := e.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// distinctOptions lists the option values over the whole store. Trimming,
// sorting and the canonical status filter happen in Go so that both engines
// share them.
func (e *SQLEngine) distinctOptions(ctx context.Context) (Options, error) {
	var (
		opts Options
		err  error
	)
	queries := []struct {
		dst *[]string
		sql string
	}{
		{&opts.KaiStatuses, `SELECT DISTINCT kai_status FROM vulnerabilities WHERE kai_status IS NOT NULL`},
		{&opts.RiskFactors, `SELECT DISTINCT unnest(risk_factors) FROM vulnerabilities`},
		{&opts.Repos, `SELECT DISTINCT repo_name FROM vulnerabilities`},
		{&opts.Groups, `SELECT DISTINCT group_name FROM vulnerabilities`},
		{&opts.Packages, `SELECT DISTINCT package_name FROM vulnerabilities`},
	}
	for _, q := range queries {
		if *q.dst, err = e.column(ctx, q.sql); err != nil {
			return opts, err
		}
	}
	opts.KaiStatuses = kaiStatusOptions(opts.KaiStatuses)
	opts.RiskFactors = cleanList(opts.RiskFactors)
	opts.Repos = cleanList(opts.Repos)
	opts.Groups = cleanList(opts.Groups)
	opts.Packages = cleanList(opts.Packages)
	return opts, nil
}

func (e *SQLEngine) Suggest(ctx context.Context, term string, limit int) ([]Suggestion, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []Suggestion{}, nil
	}
	limit = normalizeSuggestLimit(limit)

	rows, err := e.pool.Query(ctx, `
SELECT id, cve, package_name, repo_name, image_name FROM (
  SELECT DISTINCT ON (COALESCE(NULLIF(cve, ''), id))
         id, cve, package_name, repo_name, image_name
  FROM vulnerabilities
  WHERE strpos(lower(COALESCE(cve, '')), lower($1)) > 0
     OR strpos(lower(id), lower($1)) > 0
     OR strpos(lower(package_name), lower($1)) > 0
     OR strpos(lower(repo_name), lower($1)) > 0
     OR strpos(lower(image_name), lower($1)) > 0
  ORDER BY COALESCE(NULLIF(cve, ''), id), id COLLATE "C"
) firsts
ORDER BY id COLLATE "C"
LIMIT $2`, term, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Suggestion{}
	for rows.Next() {
		var (
			id, pkg, repo, image string
			cve                  *string
		)
		if err := rows.Scan(&id, &cve, &pkg, &repo, &image); err != nil {
			return nil, err
		}
		out = append(out, newSuggestion(suggestionKey(cve, id), pkg, repo, image))
	}
	return out, rows.Err()
}

func (e *SQLEngine) Get(ctx context.Context, ident string) (model.Vulnerability, bool, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return model.Vulnerability{}, false, nil
	}
	row := e.pool.QueryRow(ctx, `
SELECT `+db.Columns+` FROM vulnerabilities
WHERE id = $1 OR cve = $1 OR cve = $2 OR cve = $3
ORDER BY (id = $1) DESC, id COLLATE "C" ASC
LIMIT 1`, ident, strings.ToUpper(ident), strings.ToLower(ident))
	v, err := db.ScanVulnerability(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Vulnerability{}, false, nil
	}
	if err != nil {
		return model.Vulnerability{}, false, err
	}
	return v, true, nil
}
