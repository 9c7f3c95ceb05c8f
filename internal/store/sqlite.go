package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nexusgpu/nexus/internal/models"
)

// column describes one canonical attribute of the jobs table. At Open,
// SQLiteStore inspects PRAGMA table_info(jobs) and issues an
// ALTER TABLE ... ADD COLUMN for any column listed here that the file
// doesn't yet have — the additive-only, introspection-driven migration
// spec §4.1 calls for instead of an external migration tool.
type column struct {
	name    string
	sqlType string
}

var jobColumns = []column{
	{"id", "TEXT"},
	{"command", "TEXT"},
	{"user", "TEXT"},
	{"node_name", "TEXT"},
	{"priority", "INTEGER"},
	{"num_gpus", "INTEGER"},
	{"gpu_idxs", "TEXT"},
	{"git_repo_url", "TEXT"},
	{"git_branch", "TEXT"},
	{"git_tag", "TEXT"},
	{"artifact_id", "TEXT"},
	{"env", "TEXT"},
	{"jobrc", "TEXT"},
	{"notifications", "TEXT"},
	{"search_wandb", "INTEGER"},
	{"ignore_blacklist", "INTEGER"},
	{"status", "TEXT"},
	{"created_at", "REAL"},
	{"started_at", "REAL"},
	{"completed_at", "REAL"},
	{"pid", "INTEGER"},
	{"dir", "TEXT"},
	{"screen_session_name", "TEXT"},
	{"exit_code", "INTEGER"},
	{"error_message", "TEXT"},
	{"wandb_url", "TEXT"},
	{"marked_for_kill", "INTEGER"},
	{"notification_messages", "TEXT"},
	{"output_file", "TEXT"},
}

// SQLiteStore is a single-file embedded relational Store, the
// "durable, transactional persistence" component of spec §4.1.
// Writes are serialized behind mu; reads do not need it since SQLite
// itself serializes access to the file, but the mutex keeps multi-
// statement transitions (start_job, delete-with-refcount-check)
// atomic with respect to other Go-level callers sharing this handle.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if needed) and migrates the embedded database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer; mattn/go-sqlite3 serializes the file anyway

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (id TEXT PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS gpu_blacklist (
			gpu_index INTEGER PRIMARY KEY,
			blacklisted_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			size INTEGER NOT NULL,
			created_at REAL NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return s.addMissingJobColumns()
}

func (s *SQLiteStore) addMissingJobColumns() error {
	rows, err := s.db.Query(`PRAGMA table_info(jobs)`)
	if err != nil {
		return fmt.Errorf("introspect jobs table: %w", err)
	}
	existing := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("scan table_info: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, col := range jobColumns {
		if existing[col.name] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE jobs ADD COLUMN %s %s", col.name, col.sqlType)
		if _, err := s.db.Exec(alter); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

// --- serialization helpers (list/map-valued fields as delimited text) ---

func joinInts(vals []int) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func joinChannels(vals []models.NotificationChannel) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}

func splitChannels(s string) []models.NotificationChannel {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]models.NotificationChannel, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, models.NotificationChannel(p))
		}
	}
	return out
}

func joinMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(m[k], "\n", `\n`))
		b.WriteByte('\n')
	}
	return b.String()
}

func splitMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := map[string]string{}
	for _, line := range strings.Split(s, "\n") {
		if line == "" {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := line[:idx]
		val := strings.ReplaceAll(line[idx+1:], `\n`, "\n")
		out[key] = val
	}
	return out
}

// --- row marshaling, column by column against the canonical list ---

func (s *SQLiteStore) scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*models.Job, error) {
	var (
		j                                         models.Job
		gpuIdxs, notifications, notificationMsgs  string
		env                                       string
		startedAt, completedAt                    sql.NullFloat64
		pid                                       sql.NullInt64
		exitCode                                  sql.NullInt64
		searchWandb, ignoreBlacklist, markedForKill int
	)
	err := row.Scan(
		&j.ID, &j.Command, &j.User, &j.NodeName, &j.Priority, &j.NumGPUs,
		&gpuIdxs, &j.GitRepoURL, &j.GitBranch, &j.GitTag, &j.ArtifactID,
		&env, &j.JobRC, &notifications, &searchWandb, &ignoreBlacklist,
		&j.Status, &j.CreatedAt, &startedAt, &completedAt, &pid, &j.Dir,
		&j.ScreenSessionName, &exitCode, &j.ErrorMessage, &j.WandbURL,
		&markedForKill, &notificationMsgs, &j.OutputFile,
	)
	if err != nil {
		return nil, err
	}
	j.GPUIdxs = splitInts(gpuIdxs)
	j.Env = splitMap(env)
	j.Notifications = splitChannels(notifications)
	j.NotificationMessages = splitMap(notificationMsgs)
	j.SearchWandb = searchWandb != 0
	j.IgnoreBlacklist = ignoreBlacklist != 0
	j.MarkedForKill = markedForKill != 0
	if startedAt.Valid {
		j.StartedAt = startedAt.Float64
	}
	if completedAt.Valid {
		j.CompletedAt = completedAt.Float64
	}
	if pid.Valid {
		j.PID = int(pid.Int64)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	return &j, nil
}

const jobColumnList = `id, command, user, node_name, priority, num_gpus,
	gpu_idxs, git_repo_url, git_branch, git_tag, artifact_id,
	env, jobrc, notifications, search_wandb, ignore_blacklist,
	status, created_at, started_at, completed_at, pid, dir,
	screen_session_name, exit_code, error_message, wandb_url,
	marked_for_kill, notification_messages, output_file`

func jobValues(j *models.Job) []interface{} {
	var startedAt, completedAt interface{}
	if j.StartedAt != 0 {
		startedAt = j.StartedAt
	}
	if j.CompletedAt != 0 {
		completedAt = j.CompletedAt
	}
	var pid interface{}
	if j.PID != 0 {
		pid = j.PID
	}
	var exitCode interface{}
	if j.ExitCode != nil {
		exitCode = *j.ExitCode
	}
	return []interface{}{
		j.ID, j.Command, j.User, j.NodeName, j.Priority, j.NumGPUs,
		joinInts(j.GPUIdxs), j.GitRepoURL, j.GitBranch, j.GitTag, j.ArtifactID,
		joinMap(j.Env), j.JobRC, joinChannels(j.Notifications), boolInt(j.SearchWandb), boolInt(j.IgnoreBlacklist),
		string(j.Status), j.CreatedAt, startedAt, completedAt, pid, j.Dir,
		j.ScreenSessionName, exitCode, j.ErrorMessage, j.WandbURL,
		boolInt(j.MarkedForKill), joinMap(j.NotificationMessages), j.OutputFile,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Store interface ---

func (s *SQLiteStore) AddJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT 1 FROM jobs WHERE id = ?`, job.ID).Scan(&exists); err == nil {
		return ErrDuplicate
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("check existing job: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jobColumns)), ",")
	query := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", jobColumnList, placeholders)
	_, err := s.db.Exec(query, jobValues(job)...)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(fmt.Sprintf("SELECT %s FROM jobs WHERE id = ?", jobColumnList), id)
	job, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(filter models.JobFilter) ([]*models.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM jobs WHERE 1=1", jobColumnList)
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.GPUIndex != nil {
		// gpu_idxs is comma-joined text; match the index as a whole token.
		query += " AND (',' || gpu_idxs || ',') LIKE ?"
		args = append(args, "%,"+strconv.Itoa(*filter.GPUIndex)+",%")
	}
	if filter.CommandRegex != "" {
		if _, err := regexp.Compile(filter.CommandRegex); err != nil {
			return nil, newError(CodeInvalidArg, "invalid command_regex: %w", err)
		}
		// SQLite has no native regex function wired by default; filter in Go
		// below rather than pushing an unsupported operator into SQL.
	}

	switch filter.Status {
	case models.StatusQueued:
		query += " ORDER BY priority DESC, created_at ASC"
	case models.StatusRunning:
		query += " ORDER BY started_at ASC"
	case models.StatusCompleted, models.StatusFailed, models.StatusKilled:
		query += " ORDER BY completed_at DESC"
	default:
		query += " ORDER BY created_at DESC"
	}

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var re *regexp.Regexp
	if filter.CommandRegex != "" {
		re = regexp.MustCompile(filter.CommandRegex)
	}

	var out []*models.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		if re != nil && !re.MatchString(job.Command) {
			continue
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateJobLocked(s.db, job)
}

func (s *SQLiteStore) updateJobLocked(exec execer, job *models.Job) error {
	assignments := make([]string, len(jobColumns))
	for i, col := range jobColumns {
		assignments[i] = col.name + " = ?"
	}
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ?", strings.Join(assignments, ", "))
	args := append(jobValues(job), job.ID)
	res, err := exec.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// upsert semantics per spec §4.1 "update_job(job): upsert by id"
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jobColumns)), ",")
		insertQuery := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", jobColumnList, placeholders)
		if _, err := exec.Exec(insertQuery, jobValues(job)...); err != nil {
			return fmt.Errorf("upsert job: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup job for delete: %w", err)
	}
	if models.Status(status) != models.StatusQueued {
		return ErrInvalidState
	}
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountJobs(status models.Status) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	}
	return n, err
}

func (s *SQLiteStore) SetBlacklist(gpuIndex int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		_, err := s.db.Exec(
			`INSERT INTO gpu_blacklist (gpu_index, blacklisted_at) VALUES (?, unixepoch('now', 'subsec'))
			 ON CONFLICT(gpu_index) DO NOTHING`, gpuIndex)
		return err
	}
	_, err := s.db.Exec(`DELETE FROM gpu_blacklist WHERE gpu_index = ?`, gpuIndex)
	return err
}

func (s *SQLiteStore) ListBlacklist() (map[int]bool, error) {
	rows, err := s.db.Query(`SELECT gpu_index FROM gpu_blacklist`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]bool{}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out[idx] = true
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddArtifact(a *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, data, size, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Data, a.Size, a.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetArtifact(id string) (*models.Artifact, error) {
	var a models.Artifact
	err := s.db.QueryRow(`SELECT id, data, size, created_at FROM artifacts WHERE id = ?`, id).
		Scan(&a.ID, &a.Data, &a.Size, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ArtifactInUse reports whether any live (queued or running) job
// references id. Callers that need this check to be race-free with a
// concurrent delete must call it from inside the same transaction as
// the delete (spec §9) — see DeleteArtifact.
func (s *SQLiteStore) ArtifactInUse(id string) (bool, error) {
	return s.artifactInUse(s.db, id)
}

func (s *SQLiteStore) artifactInUse(q querier, id string) (bool, error) {
	var n int
	err := q.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE artifact_id = ? AND status IN ('queued', 'running')`, id,
	).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) DeleteArtifact(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inUse, err := s.artifactInUse(tx, id)
	if err != nil {
		return fmt.Errorf("check artifact in use: %w", err)
	}
	if inUse {
		return ErrInvalidState
	}
	if _, err := tx.Exec(`DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return tx.Commit()
}

// StartJob transitions job to running atomically: the update only
// commits if the referenced artifact is still present, so a
// concurrent artifact GC can't race a job that is about to start
// using it (spec §4.1 transaction discipline).
func (s *SQLiteStore) StartJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if job.ArtifactID != "" {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM artifacts WHERE id = ?`, job.ArtifactID).Scan(&exists)
		if err == sql.ErrNoRows {
			return newError(CodeLaunchFailed, "artifact %s not found", job.ArtifactID)
		}
		if err != nil {
			return fmt.Errorf("check artifact: %w", err)
		}
	}

	if err := s.updateJobLocked(tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}
