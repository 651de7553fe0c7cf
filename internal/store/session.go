package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"git.home.luguber.info/inful/prbuild/internal/logfields"
)

const schema = `
CREATE TABLE IF NOT EXISTS pullrequest (
	id INTEGER PRIMARY KEY,
	branch TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	assignee TEXT NOT NULL DEFAULT '',
	head_user TEXT NOT NULL DEFAULT '',
	head_repo TEXT NOT NULL DEFAULT '',
	head_branch TEXT NOT NULL DEFAULT '',
	head_sha TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	info TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS builder (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	internal_name TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	builders TEXT NOT NULL DEFAULT '[]',
	"order" INTEGER NOT NULL DEFAULT -1,
	active INTEGER NOT NULL DEFAULT 0,
	is_perf INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS status (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	prid INTEGER NOT NULL REFERENCES pullrequest(id),
	bid INTEGER NOT NULL REFERENCES builder(id),
	head_sha TEXT NOT NULL DEFAULT '',
	brid INTEGER NOT NULL DEFAULT -1,
	build_number INTEGER NOT NULL DEFAULT -1,
	status INTEGER NOT NULL DEFAULT -1,
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_status_pair ON status(prid, bid, active);
CREATE INDEX IF NOT EXISTS idx_status_queue ON status(bid, status, active);
`

// Session wraps the transaction handed to a worker task. All helpers run on
// the worker goroutine.
type Session struct {
	tx  *sql.Tx
	now func() time.Time
}

// Now returns the session clock (injectable in tests).
func (s *Session) Now() time.Time { return s.now() }

// touch computes the next updated_at for a row, keeping it monotone per row.
func (s *Session) touch(prev time.Time) time.Time {
	t := s.now()
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func usec(t time.Time) int64     { return t.UnixMicro() }
func fromUsec(u int64) time.Time { return time.UnixMicro(u).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const prColumns = "id, branch, author, assignee, head_user, head_repo, head_branch, head_sha, title, description, priority, status, info, created_at, updated_at"

func scanPullRequest(row interface{ Scan(...any) error }) (*PullRequest, error) {
	var pr PullRequest
	var info string
	var created, updated int64
	err := row.Scan(&pr.PRID, &pr.Branch, &pr.Author, &pr.Assignee,
		&pr.HeadUser, &pr.HeadRepo, &pr.HeadBranch, &pr.HeadSHA,
		&pr.Title, &pr.Description, &pr.Priority, &pr.Status,
		&info, &created, &updated)
	if err != nil {
		return nil, err
	}
	pr.CreatedAt, pr.UpdatedAt = fromUsec(created), fromUsec(updated)
	if err := json.Unmarshal([]byte(info), &pr.Info); err != nil {
		slog.Warn("malformed info blob, resetting", logfields.PR(pr.PRID), logfields.Error(err))
		pr.Info = map[string]any{}
	}
	return &pr, nil
}

// GetPullRequest returns the PR row, or nil when absent.
func (s *Session) GetPullRequest(prid int64) (*PullRequest, error) {
	row := s.tx.QueryRow("SELECT "+prColumns+" FROM pullrequest WHERE id = ?", prid)
	pr, err := scanPullRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pullrequest %d: %w", prid, err)
	}
	return pr, nil
}

// ListActivePullRequests returns live PRs ordered by id descending.
func (s *Session) ListActivePullRequests() ([]*PullRequest, error) {
	rows, err := s.tx.Query("SELECT " + prColumns + " FROM pullrequest WHERE status >= 0 ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("list active pullrequests: %w", err)
	}
	defer rows.Close()
	var out []*PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// InsertPullRequest inserts pr and stamps its timestamps.
func (s *Session) InsertPullRequest(pr *PullRequest) error {
	now := s.now()
	pr.CreatedAt, pr.UpdatedAt = now, now
	if pr.Info == nil {
		pr.Info = map[string]any{}
	}
	info, err := json.Marshal(pr.Info)
	if err != nil {
		return fmt.Errorf("marshal info: %w", err)
	}
	_, err = s.tx.Exec(`INSERT INTO pullrequest (`+prColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.PRID, pr.Branch, pr.Author, pr.Assignee,
		pr.HeadUser, pr.HeadRepo, pr.HeadBranch, pr.HeadSHA,
		pr.Title, pr.Description, pr.Priority, pr.Status,
		string(info), usec(pr.CreatedAt), usec(pr.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert pullrequest %d: %w", pr.PRID, err)
	}
	return nil
}

// UpdatePullRequest writes pr back and advances updated_at.
func (s *Session) UpdatePullRequest(pr *PullRequest) error {
	pr.UpdatedAt = s.touch(pr.UpdatedAt)
	if pr.Info == nil {
		pr.Info = map[string]any{}
	}
	info, err := json.Marshal(pr.Info)
	if err != nil {
		return fmt.Errorf("marshal info: %w", err)
	}
	_, err = s.tx.Exec(`UPDATE pullrequest SET branch=?, author=?, assignee=?,
		head_user=?, head_repo=?, head_branch=?, head_sha=?, title=?, description=?,
		priority=?, status=?, info=?, updated_at=? WHERE id=?`,
		pr.Branch, pr.Author, pr.Assignee,
		pr.HeadUser, pr.HeadRepo, pr.HeadBranch, pr.HeadSHA, pr.Title, pr.Description,
		pr.Priority, pr.Status, string(info), usec(pr.UpdatedAt), pr.PRID)
	if err != nil {
		return fmt.Errorf("update pullrequest %d: %w", pr.PRID, err)
	}
	return nil
}

const builderColumns = `id, internal_name, name, builders, "order", active, is_perf, created_at, updated_at`

func scanBuilder(row interface{ Scan(...any) error }) (*Builder, error) {
	var b Builder
	var names string
	var active, isPerf int
	var created, updated int64
	err := row.Scan(&b.BID, &b.InternalName, &b.Name, &names, &b.Order, &active, &isPerf, &created, &updated)
	if err != nil {
		return nil, err
	}
	b.Active, b.IsPerf = active != 0, isPerf != 0
	b.CreatedAt, b.UpdatedAt = fromUsec(created), fromUsec(updated)
	if err := json.Unmarshal([]byte(names), &b.Builders); err != nil {
		return nil, fmt.Errorf("malformed builders list for %s: %w", b.InternalName, err)
	}
	return &b, nil
}

// GetBuilder returns the builder row by id, or nil when absent.
func (s *Session) GetBuilder(bid int64) (*Builder, error) {
	row := s.tx.QueryRow("SELECT "+builderColumns+" FROM builder WHERE id = ?", bid)
	b, err := scanBuilder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get builder %d: %w", bid, err)
	}
	return b, nil
}

// GetBuilderByName returns the builder row by internal name, or nil.
func (s *Session) GetBuilderByName(internalName string) (*Builder, error) {
	row := s.tx.QueryRow("SELECT "+builderColumns+" FROM builder WHERE internal_name = ?", internalName)
	b, err := scanBuilder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get builder %s: %w", internalName, err)
	}
	return b, nil
}

func (s *Session) getBuilderByDisplayName(name string) (*Builder, error) {
	row := s.tx.QueryRow("SELECT "+builderColumns+" FROM builder WHERE name = ?", name)
	b, err := scanBuilder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get builder named %s: %w", name, err)
	}
	return b, nil
}

// ListActiveBuilders returns active builders ordered by display order.
func (s *Session) ListActiveBuilders() ([]*Builder, error) {
	rows, err := s.tx.Query("SELECT " + builderColumns + ` FROM builder WHERE active = 1 ORDER BY "order" ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active builders: %w", err)
	}
	defer rows.Close()
	var out []*Builder
	for rows.Next() {
		b, err := scanBuilder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertBuilder inserts b and records the assigned id.
func (s *Session) InsertBuilder(b *Builder) error {
	now := s.now()
	b.CreatedAt, b.UpdatedAt = now, now
	names, err := json.Marshal(b.Builders)
	if err != nil {
		return fmt.Errorf("marshal builders: %w", err)
	}
	res, err := s.tx.Exec(`INSERT INTO builder (internal_name, name, builders, "order", active, is_perf, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.InternalName, b.Name, string(names), b.Order, boolInt(b.Active), boolInt(b.IsPerf),
		usec(b.CreatedAt), usec(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert builder %s: %w", b.InternalName, err)
	}
	b.BID, err = res.LastInsertId()
	return err
}

// UpdateBuilder writes b back and advances updated_at.
func (s *Session) UpdateBuilder(b *Builder) error {
	b.UpdatedAt = s.touch(b.UpdatedAt)
	names, err := json.Marshal(b.Builders)
	if err != nil {
		return fmt.Errorf("marshal builders: %w", err)
	}
	_, err = s.tx.Exec(`UPDATE builder SET internal_name=?, name=?, builders=?, "order"=?, active=?, is_perf=?, updated_at=? WHERE id=?`,
		b.InternalName, b.Name, string(names), b.Order, boolInt(b.Active), boolInt(b.IsPerf),
		usec(b.UpdatedAt), b.BID)
	if err != nil {
		return fmt.Errorf("update builder %s: %w", b.InternalName, err)
	}
	return nil
}

// ReconcileBuilders applies the configured builder set: every row is first
// deactivated, then each spec is upserted (matched by internal name, falling
// back to display name) and reactivated.
func (s *Session) ReconcileBuilders(specs []BuilderSpec) error {
	now := usec(s.now())
	if _, err := s.tx.Exec("UPDATE builder SET active = 0, updated_at = ?", now); err != nil {
		return fmt.Errorf("deactivate builders: %w", err)
	}
	for _, spec := range specs {
		b, err := s.GetBuilderByName(spec.InternalName)
		if err != nil {
			return err
		}
		if b == nil {
			b, err = s.getBuilderByDisplayName(spec.Name)
			if err != nil {
				return err
			}
			if b != nil && b.Active {
				return fmt.Errorf("duplicated builder name %q", spec.Name)
			}
		}
		if b == nil {
			b = &Builder{}
		}
		b.InternalName = spec.InternalName
		b.Name = spec.Name
		b.Builders = spec.Builders
		b.Order = spec.Order
		b.IsPerf = spec.IsPerf
		b.Active = true
		if b.BID == 0 {
			if err := s.InsertBuilder(b); err != nil {
				return err
			}
		} else if err := s.UpdateBuilder(b); err != nil {
			return err
		}
	}
	return nil
}

const statusColumns = "id, prid, bid, head_sha, brid, build_number, status, active, created_at, updated_at"

func scanStatus(row interface{ Scan(...any) error }) (*Status, error) {
	var st Status
	var active int
	var created, updated int64
	err := row.Scan(&st.SID, &st.PRID, &st.BID, &st.HeadSHA, &st.BRID, &st.BuildNumber,
		&st.State, &active, &created, &updated)
	if err != nil {
		return nil, err
	}
	st.Active = active != 0
	st.CreatedAt, st.UpdatedAt = fromUsec(created), fromUsec(updated)
	return &st, nil
}

func (s *Session) statusQuery(where string, args ...any) (*Status, error) {
	row := s.tx.QueryRow("SELECT "+statusColumns+" FROM status WHERE "+where, args...)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status (%s): %w", strings.ReplaceAll(where, "?", "_"), err)
	}
	return st, nil
}

func (s *Session) statusListQuery(where string, args ...any) ([]*Status, error) {
	rows, err := s.tx.Query("SELECT "+statusColumns+" FROM status WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()
	var out []*Status
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetActiveStatus returns the single active status for (prid, bid), or nil.
func (s *Session) GetActiveStatus(prid, bid int64) (*Status, error) {
	return s.statusQuery("active = 1 AND prid = ? AND bid = ?", prid, bid)
}

// GetStatusByRequest looks a status up by executor build-request id.
func (s *Session) GetStatusByRequest(prid, bid, brid int64) (*Status, error) {
	return s.statusQuery("prid = ? AND bid = ? AND brid = ?", prid, bid, brid)
}

// GetStatusByBuildNumber looks a status up by executor build number.
func (s *Session) GetStatusByBuildNumber(prid, bid, buildNumber int64) (*Status, error) {
	return s.statusQuery("prid = ? AND bid = ? AND build_number = ?", prid, bid, buildNumber)
}

// ListActiveStatuses returns all active statuses.
func (s *Session) ListActiveStatuses() ([]*Status, error) {
	return s.statusListQuery("active = 1")
}

// ListActiveStatusesForPR returns active statuses of one PR.
func (s *Session) ListActiveStatusesForPR(prid int64) ([]*Status, error) {
	return s.statusListQuery("active = 1 AND prid = ?", prid)
}

// AppendStatus deactivates any prior active status for the same (prid, bid)
// pair and inserts st as the new active row, all within the current
// transaction.
func (s *Session) AppendStatus(st *Status) error {
	_, err := s.tx.Exec("UPDATE status SET active = 0, updated_at = ? WHERE active = 1 AND prid = ? AND bid = ?",
		usec(s.now()), st.PRID, st.BID)
	if err != nil {
		return fmt.Errorf("deactivate prior status: %w", err)
	}
	now := s.now()
	st.CreatedAt, st.UpdatedAt = now, now
	st.Active = true
	res, err := s.tx.Exec(`INSERT INTO status (prid, bid, head_sha, brid, build_number, status, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		st.PRID, st.BID, st.HeadSHA, st.BRID, st.BuildNumber, int(st.State),
		usec(st.CreatedAt), usec(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert status: %w", err)
	}
	st.SID, err = res.LastInsertId()
	return err
}

// UpdateStatus writes st back and advances updated_at. HeadSHA is immutable
// after creation and deliberately not written.
func (s *Session) UpdateStatus(st *Status) error {
	st.UpdatedAt = s.touch(st.UpdatedAt)
	_, err := s.tx.Exec("UPDATE status SET brid=?, build_number=?, status=?, active=?, updated_at=? WHERE id=?",
		st.BRID, st.BuildNumber, int(st.State), boolInt(st.Active), usec(st.UpdatedAt), st.SID)
	if err != nil {
		return fmt.Errorf("update status %d: %w", st.SID, err)
	}
	return nil
}

// DeleteStatus removes the row.
func (s *Session) DeleteStatus(st *Status) error {
	if _, err := s.tx.Exec("DELETE FROM status WHERE id = ?", st.SID); err != nil {
		return fmt.Errorf("delete status %d: %w", st.SID, err)
	}
	return nil
}

// PickNextForBuilder returns the next INQUEUE active status for the builder,
// ordered by PR priority ascending then PR id ascending, or nil.
func (s *Session) PickNextForBuilder(bid int64) (*Status, error) {
	row := s.tx.QueryRow(`SELECT status.id, status.prid, status.bid, status.head_sha,
			status.brid, status.build_number, status.status, status.active,
			status.created_at, status.updated_at
		FROM status JOIN pullrequest ON pullrequest.id = status.prid
		WHERE status.active = 1 AND status.status = ? AND status.bid = ?
		ORDER BY pullrequest.priority ASC, pullrequest.id ASC LIMIT 1`,
		int(StateInQueue), bid)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick next for builder %d: %w", bid, err)
	}
	return st, nil
}

// ResetInterrupted requeues statuses left in SCHEDULING or BUILDING by a
// previous process. Returns the number of rows touched.
func (s *Session) ResetInterrupted() (int64, error) {
	res, err := s.tx.Exec(`UPDATE status SET status = ?, brid = -1, build_number = -1, updated_at = ?
		WHERE active = 1 AND status IN (?, ?)`,
		int(StateInQueue), usec(s.now()), int(StateScheduling), int(StateBuilding))
	if err != nil {
		return 0, fmt.Errorf("reset interrupted statuses: %w", err)
	}
	return res.RowsAffected()
}
