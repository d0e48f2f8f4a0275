// Package sanity implements the post-hoc invariant checks of §8: read-only
// queries against the store, run after an epoch commits, that report
// violations rather than rolling back (§7 "Sanity checks run post-hoc and
// report, never rollback").
package sanity

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ternarybob/arbor"
)

// Violation is one failed property, named by its tag (P1-P8, or I1 for a
// non_json group mixed with typed records); a check whose query fails is
// reported under the check's own name.
type Violation struct {
	Property string
	Detail   string
}

// Report is the outcome of one sanity pass (§4.10 step 8).
type Report struct {
	Checked    int
	Violations []Violation
}

// Passed reports whether every check succeeded, the CLI's exit-code signal
// (§6 "exit code 0 if all sanity checks pass, 1 if any fail").
func (r *Report) Passed() bool {
	return len(r.Violations) == 0
}

// Checker runs every quantified invariant of §8 against the live database
// connection (read-only, outside the epoch's write transaction).
type Checker struct {
	db     *sql.DB
	logger arbor.ILogger
}

// New constructs a Checker.
func New(db *sql.DB, logger arbor.ILogger) *Checker {
	return &Checker{db: db, logger: logger}
}

// Run executes every check and returns a combined Report. Each check is
// independent; a query failure is itself reported as a violation rather
// than aborting the remaining checks.
func (c *Checker) Run(ctx context.Context) *Report {
	report := &Report{}

	checks := []struct {
		name string
		fn   func(context.Context) ([]Violation, error)
	}{
		{"P1_P2_metadata", func(ctx context.Context) ([]Violation, error) { return c.checkRecordTypeGroups(ctx, "metadata") }},
		{"P1_P2_episodes", func(ctx context.Context) ([]Violation, error) { return c.checkRecordTypeGroups(ctx, "episodes") }},
		{"P3_metadata", func(ctx context.Context) ([]Violation, error) { return c.checkFoundNullity(ctx, "metadata") }},
		{"P3_episodes", func(ctx context.Context) ([]Violation, error) { return c.checkFoundNullity(ctx, "episodes") }},
		{"P4_metadata", func(ctx context.Context) ([]Violation, error) { return c.checkLastSeenGEFound(ctx, "metadata") }},
		{"P4_episodes", func(ctx context.Context) ([]Violation, error) { return c.checkLastSeenGEFound(ctx, "episodes") }},
		{"P4_site", func(ctx context.Context) ([]Violation, error) { return c.checkLastSeenGEFound(ctx, "site") }},
		{"P5_metadata_episode_assoc", c.checkMetadataEpisodeAssocNoFinal},
		{"P5_episode_stream_assoc", c.checkEpisodeStreamAssocNoFinal},
		{"P6_metadata", func(ctx context.Context) ([]Violation, error) { return c.checkOneLiveLinePerGroup(ctx, "metadata") }},
		{"P6_episodes", func(ctx context.Context) ([]Violation, error) { return c.checkOneLiveLinePerGroup(ctx, "episodes") }},
		{"P7_video_no_children", c.checkVideoSitesHaveNoChildren},
		{"P8_site_parent_not_null", c.checkSiteParentNotNull},
	}

	for _, chk := range checks {
		report.Checked++
		violations, err := chk.fn(ctx)
		if err != nil {
			report.Violations = append(report.Violations, Violation{Property: chk.name, Detail: fmt.Sprintf("check query failed: %v", err)})
			c.logger.Error().Str("check", chk.name).Err(err).Msg("Sanity check query failed")
			continue
		}
		if len(violations) > 0 {
			c.logger.Warn().Str("check", chk.name).Int("violations", len(violations)).Msg("Sanity check found violations")
		}
		report.Violations = append(report.Violations, violations...)
	}

	return report
}

// checkRecordTypeGroups enforces I1/P1/P2: each group's multiset of
// record_type values is {}, {initial}, {initial, final, diff+}, or
// {non_json}; exactly one initial and at most one final per group.
func (c *Checker) checkRecordTypeGroups(ctx context.Context, table string) ([]Violation, error) {
	groupCol := groupColumns(table)
	query := fmt.Sprintf(`
		SELECT %s,
			SUM(CASE WHEN record_type = 0 THEN 1 ELSE 0 END) AS initials,
			SUM(CASE WHEN record_type = 2 THEN 1 ELSE 0 END) AS finals,
			SUM(CASE WHEN record_type = 1 THEN 1 ELSE 0 END) AS diffs,
			SUM(CASE WHEN record_type = 3 THEN 1 ELSE 0 END) AS nonjson
		FROM %s
		GROUP BY %s`, groupCol, table, groupCol)

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []Violation
	for rows.Next() {
		var key string
		var initials, finals, diffs, nonjson int
		if err := scanGroupRow(rows, table, &key, &initials, &finals, &diffs, &nonjson); err != nil {
			return nil, err
		}

		switch {
		case nonjson > 0 && (initials > 0 || finals > 0 || diffs > 0):
			violations = append(violations, Violation{Property: "I1", Detail: fmt.Sprintf("%s group %s mixes non_json with typed records", table, key)})
		case initials == 0 && nonjson == 0:
			violations = append(violations, Violation{Property: "P1", Detail: fmt.Sprintf("%s group %s has no initial record", table, key)})
		case initials > 1:
			violations = append(violations, Violation{Property: "P1", Detail: fmt.Sprintf("%s group %s has %d initial records", table, key, initials)})
		case diffs > 0 && finals != 1:
			violations = append(violations, Violation{Property: "P2", Detail: fmt.Sprintf("%s group %s has %d diffs but %d finals", table, key, diffs, finals)})
		case diffs == 0 && finals != 0 && nonjson == 0:
			violations = append(violations, Violation{Property: "P2", Detail: fmt.Sprintf("%s group %s has a final with no diffs", table, key)})
		}
	}
	return violations, rows.Err()
}

// checkFoundNullity enforces P3: final rows have found IS NULL; every
// other row has found IS NOT NULL.
func (c *Checker) checkFoundNullity(ctx context.Context, table string) ([]Violation, error) {
	var badFinals, badOthers int
	row := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE record_type = 2 AND found IS NOT NULL`, table))
	if err := row.Scan(&badFinals); err != nil {
		return nil, err
	}
	row = c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE record_type IS NOT NULL AND record_type != 2 AND found IS NULL`, table))
	if err := row.Scan(&badOthers); err != nil {
		return nil, err
	}

	var violations []Violation
	if badFinals > 0 {
		violations = append(violations, Violation{Property: "P3", Detail: fmt.Sprintf("%s: %d final rows have non-NULL found", table, badFinals)})
	}
	if badOthers > 0 {
		violations = append(violations, Violation{Property: "P3", Detail: fmt.Sprintf("%s: %d non-final rows have NULL found", table, badOthers)})
	}
	return violations, nil
}

// checkLastSeenGEFound enforces P4: last_seen >= found pointwise, for
// tables where found may be non-NULL (VersionedRecord tables and site,
// which always has found).
func (c *Checker) checkLastSeenGEFound(ctx context.Context, table string) ([]Violation, error) {
	var count int
	row := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE found IS NOT NULL AND last_seen < found`, table))
	if err := row.Scan(&count); err != nil {
		return nil, err
	}
	if count > 0 {
		return []Violation{{Property: "P4", Detail: fmt.Sprintf("%s: %d rows have last_seen < found", table, count)}}, nil
	}
	return nil, nil
}

// checkMetadataEpisodeAssocNoFinal and checkEpisodeStreamAssocNoFinal
// enforce P5/I3: no association endpoint references a final record.
func (c *Checker) checkMetadataEpisodeAssocNoFinal(ctx context.Context) ([]Violation, error) {
	var count int
	row := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM metadata_episode_assoc a
		JOIN metadata m ON m.key = a.metadata_key
		JOIN episodes e ON e.key = a.episode_key
		WHERE m.record_type = 2 OR e.record_type = 2`)
	if err := row.Scan(&count); err != nil {
		return nil, err
	}
	if count > 0 {
		return []Violation{{Property: "P5", Detail: fmt.Sprintf("metadata_episode_assoc: %d rows reference a final record", count)}}, nil
	}
	return nil, nil
}

func (c *Checker) checkEpisodeStreamAssocNoFinal(ctx context.Context) ([]Violation, error) {
	var count int
	row := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM episode_stream_assoc a
		JOIN episodes e ON e.key = a.episode_key
		WHERE e.record_type = 2`)
	if err := row.Scan(&count); err != nil {
		return nil, err
	}
	if count > 0 {
		return []Violation{{Property: "P5", Detail: fmt.Sprintf("episode_stream_assoc: %d rows reference a final record", count)}}, nil
	}
	return nil, nil
}

// checkOneLiveLinePerGroup enforces P6/I5: exactly one non-deprecated row
// per group (the sole initial, or the (diff, final) pair) -- except
// non_json groups, where all non-deprecated entries are allowed.
func (c *Checker) checkOneLiveLinePerGroup(ctx context.Context, table string) ([]Violation, error) {
	groupCol := groupColumns(table)
	query := fmt.Sprintf(`
		SELECT %s,
			SUM(CASE WHEN deprecated = 0 AND record_type IN (0, 2) THEN 1 ELSE 0 END) AS live_nondiff,
			SUM(CASE WHEN deprecated = 0 AND record_type = 1 THEN 1 ELSE 0 END) AS live_diff,
			SUM(CASE WHEN record_type = 3 THEN 1 ELSE 0 END) AS nonjson
		FROM %s
		GROUP BY %s`, groupCol, table, groupCol)

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []Violation
	for rows.Next() {
		var key string
		var liveNonDiff, liveDiff, nonjson int
		var err error
		if table == "metadata" {
			var url string
			var parentKey int64
			err = rows.Scan(&url, &parentKey, &liveNonDiff, &liveDiff, &nonjson)
			key = fmt.Sprintf("%s#%d", url, parentKey)
		} else {
			var url string
			err = rows.Scan(&url, &liveNonDiff, &liveDiff, &nonjson)
			key = url
		}
		if err != nil {
			return nil, err
		}
		if nonjson > 0 {
			continue
		}
		if liveNonDiff == 1 && liveDiff == 0 {
			continue // sole initial, no diff chain yet
		}
		if liveNonDiff == 1 && liveDiff == 1 {
			continue // (final, newest diff) pair
		}
		violations = append(violations, Violation{Property: "P6", Detail: fmt.Sprintf("%s group %s has %d live non-diff + %d live diff rows", table, key, liveNonDiff, liveDiff)})
	}
	return violations, rows.Err()
}

// checkVideoSitesHaveNoChildren enforces P7/I6: a video-leaf site has no
// children.
func (c *Checker) checkVideoSitesHaveNoChildren(ctx context.Context) ([]Violation, error) {
	var count int
	row := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM site parent
		JOIN site child ON child.parent_key = parent.key
		WHERE parent.is_video = 1`)
	if err := row.Scan(&count); err != nil {
		return nil, err
	}
	if count > 0 {
		return []Violation{{Property: "P7", Detail: fmt.Sprintf("%d site rows have a video-leaf parent", count)}}, nil
	}
	return nil, nil
}

// checkSiteParentNotNull enforces P8: every site has a parent, except the
// synthetic root (parent_key = -1). The storage layer never writes NULL
// (parent_key is NOT NULL); this instead catches the unresolved-parentage
// sentinel (-2) surviving past the Site Indexer's second pass.
func (c *Checker) checkSiteParentNotNull(ctx context.Context) ([]Violation, error) {
	var count int
	row := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM site WHERE parent_key = -2`)
	if err := row.Scan(&count); err != nil {
		return nil, err
	}
	if count > 0 {
		return []Violation{{Property: "P8", Detail: fmt.Sprintf("%d site rows still carry the unresolved-parentage sentinel", count)}}, nil
	}
	return nil, nil
}

func groupColumns(table string) string {
	if table == "metadata" {
		return "url, parent_key"
	}
	return "url"
}

// scanGroupRow scans a GROUP BY row whose leading columns are either
// "url" or "url, parent_key" into a single display key, followed by the
// four aggregate counts.
func scanGroupRow(rows *sql.Rows, table string, key *string, a, b, c *int, d *int) error {
	if table == "metadata" {
		var url string
		var parentKey int64
		if err := rows.Scan(&url, &parentKey, a, b, c, d); err != nil {
			return err
		}
		*key = fmt.Sprintf("%s#%d", url, parentKey)
		return nil
	}
	var url string
	if err := rows.Scan(&url, a, b, c, d); err != nil {
		return err
	}
	*key = url
	return nil
}
