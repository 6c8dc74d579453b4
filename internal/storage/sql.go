/*
Package Tracking System - email subscription bus for package metadata.
Copyright © 2023 The Package Tracking System developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pkgtracker/pts/framework/address"
)

const dayFormat = "2006-01-02"

// SQLStore implements Store on top of database/sql. Supported drivers are
// sqlite3 and postgres.
//
// Queries are written with ? placeholders and rewritten to $N for
// postgres. Timestamps are stored as Unix seconds and dates as YYYY-MM-DD
// text so both drivers scan them identically.
type SQLStore struct {
	db    *sql.DB
	pgSQL bool
}

func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("storage: unsupported driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	s := &SQLStore{db: db, pgSQL: driver == "postgres"}
	if driver == "sqlite3" {
		// In-memory sqlite keeps separate databases per connection.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS packages (
			name TEXT PRIMARY KEY,
			pseudo INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			email TEXT PRIMARY KEY,
			default_keywords TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			email TEXT NOT NULL,
			package TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			keywords TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (email, package)
		)`,
		`CREATE TABLE IF NOT EXISTS teams (
			slug TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			public INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			team TEXT NOT NULL,
			email TEXT NOT NULL,
			PRIMARY KEY (team, email)
		)`,
		`CREATE TABLE IF NOT EXISTS team_packages (
			team TEXT NOT NULL,
			package TEXT NOT NULL,
			PRIMARY KEY (team, package)
		)`,
		`CREATE TABLE IF NOT EXISTS bounce_stats (
			email TEXT NOT NULL,
			day TEXT NOT NULL,
			sent INTEGER NOT NULL DEFAULT 0,
			bounced INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (email, day)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			complete INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS confirmations (
			token TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			command TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into the $N form lib/pq requires.
func (s *SQLStore) rebind(query string) string {
	if !s.pgSQL {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func joinKeywords(kws []string) string {
	return strings.Join(kws, " ")
}

func splitKeywords(s string) []string {
	return strings.Fields(s)
}

func normEmail(email string) string {
	norm, _ := address.ForLookup(email)
	return norm
}

/* Packages */

func (s *SQLStore) AddPackage(ctx context.Context, pkg Package) error {
	_, err := s.exec(ctx, `
		INSERT INTO packages (name, pseudo, url)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING`,
		pkg.Name, boolInt(pkg.Pseudo), pkg.URL)
	if err != nil {
		return fmt.Errorf("storage: add package: %w", err)
	}
	return nil
}

func (s *SQLStore) GetPackage(ctx context.Context, name string) (*Package, error) {
	var (
		pkg    Package
		pseudo int
	)
	err := s.queryRow(ctx,
		`SELECT name, pseudo, url FROM packages WHERE name = ?`, name,
	).Scan(&pkg.Name, &pseudo, &pkg.URL)
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchPackage
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get package: %w", err)
	}
	pkg.Pseudo = pseudo != 0
	return &pkg, nil
}

func (s *SQLStore) DeletePackage(ctx context.Context, name string) error {
	res, err := s.exec(ctx, `DELETE FROM packages WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("storage: delete package: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchPackage
	}
	return nil
}

func (s *SQLStore) SetPackageURL(ctx context.Context, name, url string) error {
	res, err := s.exec(ctx, `UPDATE packages SET url = ? WHERE name = ?`, url, name)
	if err != nil {
		return fmt.Errorf("storage: set package url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchPackage
	}
	return nil
}

func (s *SQLStore) ListPackages(ctx context.Context, pseudoOnly bool) ([]Package, error) {
	query := `SELECT name, pseudo, url FROM packages ORDER BY name`
	if pseudoOnly {
		query = `SELECT name, pseudo, url FROM packages WHERE pseudo = 1 ORDER BY name`
	}
	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: list packages: %w", err)
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		var (
			pkg    Package
			pseudo int
		)
		if err := rows.Scan(&pkg.Name, &pseudo, &pkg.URL); err != nil {
			return nil, fmt.Errorf("storage: list packages: %w", err)
		}
		pkg.Pseudo = pseudo != 0
		out = append(out, pkg)
	}
	return out, rows.Err()
}

/* Users */

func (s *SQLStore) DefaultUserKeywords(ctx context.Context, email string) ([]string, error) {
	var kws string
	err := s.queryRow(ctx,
		`SELECT default_keywords FROM users WHERE email = ?`, normEmail(email),
	).Scan(&kws)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: user keywords: %w", err)
	}
	return splitKeywords(kws), nil
}

func (s *SQLStore) SetDefaultUserKeywords(ctx context.Context, email string, keywords []string) error {
	_, err := s.exec(ctx, `
		INSERT INTO users (email, default_keywords)
		VALUES (?, ?)
		ON CONFLICT (email) DO UPDATE SET default_keywords = excluded.default_keywords`,
		normEmail(email), joinKeywords(keywords))
	if err != nil {
		return fmt.Errorf("storage: set user keywords: %w", err)
	}
	return nil
}

/* Subscriptions */

func (s *SQLStore) Subscribe(ctx context.Context, email, pkg string, keywords []string) error {
	email = normEmail(email)

	if _, err := s.GetPackage(ctx, pkg); err != nil {
		return err
	}

	var active int
	err := s.queryRow(ctx,
		`SELECT active FROM subscriptions WHERE email = ? AND package = ?`,
		email, pkg,
	).Scan(&active)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.exec(ctx, `
			INSERT INTO subscriptions (email, package, active, keywords)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (email, package) DO NOTHING`,
			email, pkg, joinKeywords(keywords))
		if err != nil {
			return fmt.Errorf("storage: subscribe: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("storage: subscribe: %w", err)
	case active != 0:
		return ErrAlreadySubscribed
	default:
		_, err = s.exec(ctx,
			`UPDATE subscriptions SET active = 1 WHERE email = ? AND package = ?`,
			email, pkg)
		if err != nil {
			return fmt.Errorf("storage: subscribe: %w", err)
		}
		return nil
	}
}

func (s *SQLStore) Unsubscribe(ctx context.Context, email, pkg string) error {
	res, err := s.exec(ctx,
		`DELETE FROM subscriptions WHERE email = ? AND package = ?`,
		normEmail(email), pkg)
	if err != nil {
		return fmt.Errorf("storage: unsubscribe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotSubscribed
	}
	return nil
}

func (s *SQLStore) UnsubscribeAll(ctx context.Context, email string) ([]string, error) {
	email = normEmail(email)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: unsubscribe all: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		s.rebind(`SELECT package FROM subscriptions WHERE email = ? ORDER BY package`),
		email)
	if err != nil {
		return nil, fmt.Errorf("storage: unsubscribe all: %w", err)
	}
	var pkgs []string
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: unsubscribe all: %w", err)
		}
		pkgs = append(pkgs, pkg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: unsubscribe all: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM subscriptions WHERE email = ?`), email); err != nil {
		return nil, fmt.Errorf("storage: unsubscribe all: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: unsubscribe all: %w", err)
	}
	return pkgs, nil
}

func (s *SQLStore) Subscription(ctx context.Context, email, pkg string) (*Subscription, error) {
	var (
		sub    Subscription
		active int
		kws    string
	)
	err := s.queryRow(ctx, `
		SELECT email, package, active, keywords
		FROM subscriptions WHERE email = ? AND package = ?`,
		normEmail(email), pkg,
	).Scan(&sub.Email, &sub.Package, &active, &kws)
	if err == sql.ErrNoRows {
		return nil, ErrNotSubscribed
	}
	if err != nil {
		return nil, fmt.Errorf("storage: subscription: %w", err)
	}
	sub.Active = active != 0
	sub.Keywords = splitKeywords(kws)
	return &sub, nil
}

func (s *SQLStore) SetSubscriptionKeywords(ctx context.Context, email, pkg string, keywords []string) error {
	res, err := s.exec(ctx,
		`UPDATE subscriptions SET keywords = ? WHERE email = ? AND package = ?`,
		joinKeywords(keywords), normEmail(email), pkg)
	if err != nil {
		return fmt.Errorf("storage: set subscription keywords: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotSubscribed
	}
	return nil
}

func (s *SQLStore) Subscriptions(ctx context.Context, email string) ([]Subscription, error) {
	rows, err := s.query(ctx, `
		SELECT email, package, active, keywords
		FROM subscriptions WHERE email = ? ORDER BY package`,
		normEmail(email))
	if err != nil {
		return nil, fmt.Errorf("storage: subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var (
			sub    Subscription
			active int
			kws    string
		)
		if err := rows.Scan(&sub.Email, &sub.Package, &active, &kws); err != nil {
			return nil, fmt.Errorf("storage: subscriptions: %w", err)
		}
		sub.Active = active != 0
		sub.Keywords = splitKeywords(kws)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLStore) Subscribers(ctx context.Context, pkg, keyword string) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT s.email, s.keywords, COALESCE(u.default_keywords, '')
		FROM subscriptions s LEFT JOIN users u ON u.email = s.email
		WHERE s.package = ? AND s.active = 1
		ORDER BY s.email`,
		pkg)
	if err != nil {
		return nil, fmt.Errorf("storage: subscribers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email, kws, userKws string
		if err := rows.Scan(&email, &kws, &userKws); err != nil {
			return nil, fmt.Errorf("storage: subscribers: %w", err)
		}
		sub := Subscription{Keywords: splitKeywords(kws)}
		for _, kw := range EffectiveKeywords(&sub, splitKeywords(userKws)) {
			if kw == keyword {
				out = append(out, email)
				break
			}
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) AllSubscribers(ctx context.Context, activeOnly bool) ([]string, error) {
	query := `SELECT DISTINCT email FROM subscriptions ORDER BY email`
	if activeOnly {
		query = `SELECT DISTINCT email FROM subscriptions WHERE active = 1 ORDER BY email`
	}
	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: all subscribers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("storage: all subscribers: %w", err)
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

/* Teams */

func (s *SQLStore) AddTeam(ctx context.Context, team Team) error {
	_, err := s.exec(ctx, `
		INSERT INTO teams (slug, name, owner, public)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (slug) DO NOTHING`,
		team.Slug, team.Name, normEmail(team.Owner), boolInt(team.Public))
	if err != nil {
		return fmt.Errorf("storage: add team: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTeam(ctx context.Context, slug string) (*Team, error) {
	var (
		team   Team
		public int
	)
	err := s.queryRow(ctx,
		`SELECT slug, name, owner, public FROM teams WHERE slug = ?`, slug,
	).Scan(&team.Slug, &team.Name, &team.Owner, &public)
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchTeam
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get team: %w", err)
	}
	team.Public = public != 0
	return &team, nil
}

func (s *SQLStore) JoinTeam(ctx context.Context, slug, email string) error {
	if _, err := s.GetTeam(ctx, slug); err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		INSERT INTO team_members (team, email)
		VALUES (?, ?)
		ON CONFLICT (team, email) DO NOTHING`,
		slug, normEmail(email))
	if err != nil {
		return fmt.Errorf("storage: join team: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyMember
	}
	return nil
}

func (s *SQLStore) LeaveTeam(ctx context.Context, slug, email string) error {
	if _, err := s.GetTeam(ctx, slug); err != nil {
		return err
	}
	res, err := s.exec(ctx,
		`DELETE FROM team_members WHERE team = ? AND email = ?`,
		slug, normEmail(email))
	if err != nil {
		return fmt.Errorf("storage: leave team: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotMember
	}
	return nil
}

func (s *SQLStore) TeamsOf(ctx context.Context, email string) ([]string, error) {
	rows, err := s.query(ctx,
		`SELECT team FROM team_members WHERE email = ? ORDER BY team`,
		normEmail(email))
	if err != nil {
		return nil, fmt.Errorf("storage: teams of: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("storage: teams of: %w", err)
		}
		out = append(out, slug)
	}
	return out, rows.Err()
}

func (s *SQLStore) TeamPackages(ctx context.Context, slug string) ([]string, error) {
	if _, err := s.GetTeam(ctx, slug); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx,
		`SELECT package FROM team_packages WHERE team = ? ORDER BY package`, slug)
	if err != nil {
		return nil, fmt.Errorf("storage: team packages: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			return nil, fmt.Errorf("storage: team packages: %w", err)
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

func (s *SQLStore) AddTeamPackage(ctx context.Context, slug, pkg string) error {
	if _, err := s.GetTeam(ctx, slug); err != nil {
		return err
	}
	_, err := s.exec(ctx, `
		INSERT INTO team_packages (team, package)
		VALUES (?, ?)
		ON CONFLICT (team, package) DO NOTHING`,
		slug, pkg)
	if err != nil {
		return fmt.Errorf("storage: add team package: %w", err)
	}
	return nil
}

/* Bounce accounting */

func (s *SQLStore) AddSentEvent(ctx context.Context, email string, day time.Time) error {
	_, err := s.exec(ctx, `
		INSERT INTO bounce_stats (email, day, sent, bounced)
		VALUES (?, ?, 1, 0)
		ON CONFLICT (email, day) DO UPDATE SET sent = bounce_stats.sent + 1`,
		normEmail(email), day.Format(dayFormat))
	if err != nil {
		return fmt.Errorf("storage: add sent event: %w", err)
	}
	return nil
}

func (s *SQLStore) AddBounceEvent(ctx context.Context, email string, day time.Time) error {
	_, err := s.exec(ctx, `
		INSERT INTO bounce_stats (email, day, sent, bounced)
		VALUES (?, ?, 0, 1)
		ON CONFLICT (email, day) DO UPDATE SET bounced = bounce_stats.bounced + 1`,
		normEmail(email), day.Format(dayFormat))
	if err != nil {
		return fmt.Errorf("storage: add bounce event: %w", err)
	}
	return nil
}

func (s *SQLStore) BounceStats(ctx context.Context, email string, lastDays int) ([]BounceStat, error) {
	rows, err := s.query(ctx, `
		SELECT email, day, sent, bounced
		FROM bounce_stats WHERE email = ?
		ORDER BY day DESC LIMIT ?`,
		normEmail(email), lastDays)
	if err != nil {
		return nil, fmt.Errorf("storage: bounce stats: %w", err)
	}
	defer rows.Close()

	var out []BounceStat
	for rows.Next() {
		var (
			stat BounceStat
			day  string
		)
		if err := rows.Scan(&stat.Email, &day, &stat.Sent, &stat.Bounced); err != nil {
			return nil, fmt.Errorf("storage: bounce stats: %w", err)
		}
		stat.Day, err = time.Parse(dayFormat, day)
		if err != nil {
			return nil, fmt.Errorf("storage: bounce stats: %w", err)
		}
		out = append(out, stat)
	}
	return out, rows.Err()
}

/* Task engine checkpoints */

func (s *SQLStore) SaveJob(ctx context.Context, job Job) error {
	_, err := s.exec(ctx, `
		INSERT INTO jobs (id, state, created_at, complete)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state, complete = excluded.complete`,
		job.ID, string(job.State), job.CreatedAt.Unix(), boolInt(job.Complete))
	if err != nil {
		return fmt.Errorf("storage: save job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var (
		job      Job
		state    string
		created  int64
		complete int
	)
	err := s.queryRow(ctx,
		`SELECT id, state, created_at, complete FROM jobs WHERE id = ?`, id,
	).Scan(&job.ID, &state, &created, &complete)
	if err == sql.ErrNoRows {
		return nil, errors.New("storage: no such job")
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get job: %w", err)
	}
	job.State = []byte(state)
	job.CreatedAt = time.Unix(created, 0)
	job.Complete = complete != 0
	return &job, nil
}

func (s *SQLStore) IncompleteJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.query(ctx, `
		SELECT id, state, created_at, complete
		FROM jobs WHERE complete = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: incomplete jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			job      Job
			state    string
			created  int64
			complete int
		)
		if err := rows.Scan(&job.ID, &state, &created, &complete); err != nil {
			return nil, fmt.Errorf("storage: incomplete jobs: %w", err)
		}
		job.State = []byte(state)
		job.CreatedAt = time.Unix(created, 0)
		job.Complete = complete != 0
		out = append(out, job)
	}
	return out, rows.Err()
}

/* Confirmation tokens */

func (s *SQLStore) AddConfirmation(ctx context.Context, c Confirmation) error {
	_, err := s.exec(ctx, `
		INSERT INTO confirmations (token, email, command, created_at)
		VALUES (?, ?, ?, ?)`,
		c.Token, normEmail(c.Email), c.Command, c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("storage: add confirmation: %w", err)
	}
	return nil
}

func (s *SQLStore) PopConfirmation(ctx context.Context, token string, notBefore time.Time) (*Confirmation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: pop confirmation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		c       Confirmation
		created int64
	)
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT token, email, command, created_at FROM confirmations WHERE token = ?`),
		token,
	).Scan(&c.Token, &c.Email, &c.Command, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchToken
	}
	if err != nil {
		return nil, fmt.Errorf("storage: pop confirmation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM confirmations WHERE token = ?`), token); err != nil {
		return nil, fmt.Errorf("storage: pop confirmation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: pop confirmation: %w", err)
	}

	c.CreatedAt = time.Unix(created, 0)
	if c.CreatedAt.Before(notBefore) {
		// Expired tokens are consumed but not honored.
		return nil, ErrNoSuchToken
	}
	return &c, nil
}

func (s *SQLStore) CollectStats(ctx context.Context) (*Stats, error) {
	stats := Stats{}
	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM packages`, &stats.Packages},
		{`SELECT COUNT(*) FROM packages WHERE pseudo = 1`, &stats.PseudoPkgs},
		{`SELECT COUNT(DISTINCT email) FROM subscriptions`, &stats.Users},
		{`SELECT COUNT(*) FROM subscriptions`, &stats.Subscriptions},
		{`SELECT COUNT(*) FROM teams`, &stats.Teams},
	}
	for _, c := range counts {
		if err := s.queryRow(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("storage: stats: %w", err)
		}
	}
	return &stats, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = &SQLStore{}

// SortedKeywords returns a copy of kws in sorted order, for stable output
// in replies and dumps.
func SortedKeywords(kws []string) []string {
	out := append([]string(nil), kws...)
	sort.Strings(out)
	return out
}
