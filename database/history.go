package database

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/tracking"
)

// DefaultHistoryLimit is how many events `history` prints without an argument.
const DefaultHistoryLimit = 20

// Entry is one stored deployment event.
type Entry struct {
	ID      int64
	RunID   string
	Kind    string
	Service string
	Host    string
	User    string
	Commit  string
	Version string
	Failure bool
	Message string
	At      time.Time
}

// runUUID keeps well-formed run IDs and derives a stable UUID for anything else.
func runUUID(runID string) uuid.UUID {
	if id, err := uuid.Parse(runID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID))
}

// Record stores ev.
func (s *Store) Record(ctx context.Context, ev tracking.Event) error {
	if s == nil || s.pool == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deployment_events
		  (run_id, kind, service, host, deployer, commit_hash, version, failure, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		runUUID(ev.RunID).String(), ev.Kind, ev.Service, ev.Host, ev.User, ev.Commit, ev.Version,
		ev.Failure, ev.Message, at)
	return err
}

// Recent returns the newest limit events for service, newest first.
func (s *Store) Recent(ctx context.Context, service string, limit int) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: deployment history needs MENDEL_DB_DSN", common.ErrConfiguration)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id::text, kind, service, host, deployer, commit_hash, version, failure, message, created_at
		FROM deployment_events
		WHERE service = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, service, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ID, &e.RunID, &e.Kind, &e.Service, &e.Host, &e.User, &e.Commit,
			&e.Version, &e.Failure, &e.Message, &e.At)
		return e, err
	})
}

// WriteEntries prints entries as an aligned table.
func WriteEntries(w io.Writer, entries []Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tEVENT\tHOST\tUSER\tCOMMIT\tVERSION\tRUN")
	for _, e := range entries {
		kind := e.Kind
		if e.Failure && e.Message != "" {
			kind += ": " + e.Message
		}
		version := e.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.At.UTC().Format(time.RFC3339), kind, e.Host, e.User, e.Commit, version, shortRun(e.RunID))
	}
	return tw.Flush()
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// HistorySink records every dispatched event in the store.
type HistorySink struct {
	Store *Store
}

func (h *HistorySink) Name() string { return "history" }

func (h *HistorySink) Track(ctx context.Context, ev tracking.Event) error {
	if h.Store == nil {
		common.DebugLog("history store not configured, skipping")
		return nil
	}
	return h.Store.Record(ctx, ev)
}

var _ tracking.Sink = (*HistorySink)(nil)
