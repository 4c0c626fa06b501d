// Package syncer runs whole-feed sync passes: fetch a feed revision, archive
// it, apply it table by table and record the outcome in the manifest.
package syncer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/feedsync/feedsync/internal/archive"
	"github.com/feedsync/feedsync/internal/document"
	"github.com/feedsync/feedsync/internal/engine"
	"github.com/feedsync/feedsync/internal/events"
	fserrors "github.com/feedsync/feedsync/internal/errors"
	"github.com/feedsync/feedsync/internal/manifest"
	"github.com/feedsync/feedsync/internal/observability"
	"github.com/feedsync/feedsync/internal/schema"
)

// Options are the defaults applied to every pass.
type Options struct {
	Mode   engine.Mode
	Policy engine.BatchPolicy
	// Tables limits passes to these tables. Empty means every group.
	Tables []string
	// SkipUnchanged skips a pass when every table already committed the same revision.
	SkipUnchanged bool
	// Root is the container element holding the groups.
	Root string
}

// Request describes one pass.
type Request struct {
	Trigger string
	Mode    engine.Mode
	Policy  engine.BatchPolicy
	Tables  []string
	// Snapshot replays an archived revision instead of fetching the source.
	Snapshot string
	// Force applies the revision even when it is unchanged.
	Force bool
}

// TableReport is the result of one table pass.
type TableReport struct {
	Table         string   `json:"table"`
	RunID         string   `json:"run_id,omitempty"`
	State         string   `json:"state"`
	Drift         string   `json:"drift"`
	Created       bool     `json:"created,omitempty"`
	Added         []string `json:"added,omitempty"`
	Removed       []string `json:"removed,omitempty"`
	Changed       []string `json:"changed,omitempty"`
	Rows          int      `json:"rows"`
	Skipped       int      `json:"skipped"`
	SchemaVersion int      `json:"schema_version,omitempty"`
	ErrorCode     string   `json:"error_code,omitempty"`
	Error         string   `json:"error,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
}

// Report is the result of one pass.
type Report struct {
	BatchID     string        `json:"batch_id"`
	Trigger     string        `json:"trigger"`
	Source      string        `json:"source"`
	Mode        string        `json:"mode"`
	Policy      string        `json:"policy"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	ArchivePath string        `json:"archive_path,omitempty"`
	Unchanged   bool          `json:"unchanged,omitempty"`
	Tables      []TableReport `json:"tables"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished"`
	Error       string        `json:"error,omitempty"`
}

// Failed returns the number of tables that did not commit.
func (r *Report) Failed() int {
	n := 0
	for _, t := range r.Tables {
		if t.Error != "" {
			n++
		}
	}
	return n
}

// Service runs sync passes. Archive, manifest and stats are optional.
type Service struct {
	engine   *engine.Engine
	source   document.Source
	archive  *archive.Archive
	manifest *manifest.Catalog
	versions *manifest.SchemaVersionManager
	stats    *observability.SyncStats
	events   *events.Bus
	opts     Options

	mu   sync.Mutex
	last *Report
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Engine   *engine.Engine
	Source   document.Source
	Archive  *archive.Archive
	Manifest *manifest.Catalog
	Stats    *observability.SyncStats
	Events   *events.Bus
}

// New creates a sync service.
func New(deps Deps, opts Options) *Service {
	if opts.Root == "" {
		opts.Root = document.DefaultRoot
	}
	s := &Service{
		engine:   deps.Engine,
		source:   deps.Source,
		archive:  deps.Archive,
		manifest: deps.Manifest,
		stats:    deps.Stats,
		events:   deps.Events,
		opts:     opts,
	}
	if deps.Manifest != nil {
		s.versions = manifest.NewSchemaVersionManager(deps.Manifest)
	}
	return s
}

// Engine returns the underlying engine.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Manifest returns the manifest catalog, or nil.
func (s *Service) Manifest() *manifest.Catalog { return s.manifest }

// Versions returns the schema version manager, or nil without a manifest.
func (s *Service) Versions() *manifest.SchemaVersionManager { return s.versions }

// Archive returns the snapshot archive, or nil.
func (s *Service) Archive() *archive.Archive { return s.archive }

// Stats returns the stats tracker, or nil.
func (s *Service) Stats() *observability.SyncStats { return s.stats }

// Events returns the event bus, or nil.
func (s *Service) Events() *events.Bus { return s.events }

// Request returns a request carrying the service defaults.
func (s *Service) Request(trigger string) Request {
	return Request{
		Trigger: trigger,
		Mode:    s.opts.Mode,
		Policy:  s.opts.Policy,
		Tables:  s.opts.Tables,
	}
}

// Last returns the report of the most recent pass, or nil.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) sourceFor(snapshot string) (document.Source, error) {
	if snapshot == "" {
		if s.source == nil {
			return nil, fmt.Errorf("syncer: no feed source configured")
		}
		return s.source, nil
	}
	if s.archive == nil {
		return nil, fmt.Errorf("syncer: snapshot %s requested but archiving is disabled", snapshot)
	}
	return &archive.Source{Archive: s.archive, Ref: snapshot}, nil
}

// Load fetches and parses a revision and hands it to the engine without
// applying it. Inspection operations use the loaded document.
func (s *Service) Load(ctx context.Context, snapshot string) ([]byte, error) {
	src, err := s.sourceFor(snapshot)
	if err != nil {
		return nil, err
	}
	doc, raw, err := document.Load(ctx, src, s.opts.Root)
	if err != nil {
		return nil, err
	}
	s.engine.SetDocument(doc)
	return raw, nil
}

// Sync runs one pass. The report is returned even when the pass fails.
func (s *Service) Sync(ctx context.Context, req Request) (*Report, error) {
	rep := &Report{
		BatchID: manifest.NewRunID(),
		Trigger: req.Trigger,
		Mode:    req.Mode.String(),
		Policy:  req.Policy.String(),
		Started: time.Now(),
	}
	err := s.sync(ctx, req, rep)
	rep.Finished = time.Now()
	if err != nil {
		rep.Error = err.Error()
	}

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return rep, err
}

func (s *Service) sync(ctx context.Context, req Request, rep *Report) error {
	src, err := s.sourceFor(req.Snapshot)
	if err != nil {
		return err
	}
	rep.Source = src.String()

	doc, raw, err := document.Load(ctx, src, s.opts.Root)
	if err != nil {
		log.Printf("syncer: [WARN] %s: %v", rep.Source, err)
		return err
	}
	rep.Fingerprint = archive.Fingerprint(raw)

	tables := req.Tables
	if len(tables) == 0 {
		tables = engine.TableNames(doc)
	}

	if s.opts.SkipUnchanged && !req.Force && req.Snapshot == "" && s.unchanged(ctx, tables, rep.Fingerprint) {
		rep.Unchanged = true
		s.engine.SetDocument(doc)
		log.Printf("syncer: revision %s unchanged, skipping pass", rep.Fingerprint)
		if s.events != nil {
			s.events.Publish(events.Event{Type: events.RevisionUnchanged, BatchID: rep.BatchID, Fingerprint: rep.Fingerprint})
		}
		return nil
	}

	if s.archive != nil {
		if req.Snapshot != "" {
			rep.ArchivePath = s.archive.Key(rep.Fingerprint)
		} else if snap, err := s.archive.Put(ctx, raw); err != nil {
			log.Printf("syncer: [WARN] archive revision %s: %v", rep.Fingerprint, err)
		} else {
			rep.ArchivePath = snap.Key
		}
	}

	res, err := s.engine.ApplyDocument(ctx, doc, req.Mode, req.Policy, tables...)
	for _, out := range res.Outcomes {
		tr := s.record(ctx, rep, out)
		rep.Tables = append(rep.Tables, tr)
		s.publish(rep, tr)
	}
	return err
}

func (s *Service) publish(rep *Report, tr TableReport) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		Type:        events.Type(tr.State),
		Table:       tr.Table,
		BatchID:     rep.BatchID,
		RunID:       tr.RunID,
		Fingerprint: rep.Fingerprint,
		Rows:        tr.Rows,
		Added:       tr.Added,
		ErrorCode:   tr.ErrorCode,
		Error:       tr.Error,
	})
}

// unchanged reports whether the last run of every table committed this revision.
func (s *Service) unchanged(ctx context.Context, tables []string, fingerprint string) bool {
	if s.manifest == nil || len(tables) == 0 {
		return false
	}
	for _, table := range tables {
		run, err := s.manifest.LatestRun(ctx, table)
		if err != nil {
			log.Printf("syncer: [WARN] read last run of %s: %v", table, err)
			return false
		}
		if run == nil || !run.Committed() || run.Fingerprint != fingerprint {
			return false
		}
	}
	return true
}

// record registers the applied schema, writes the run log entry and updates
// stats for one table outcome. Manifest failures do not fail the pass.
func (s *Service) record(ctx context.Context, rep *Report, out *engine.Outcome) TableReport {
	tr := TableReport{
		Table:      out.Table,
		State:      out.State.String(),
		Drift:      out.Drift.Kind.String(),
		Created:    out.Created,
		Added:      out.Added,
		Removed:    schema.Names(out.Drift.Removed),
		Changed:    schema.Names(out.Drift.Changed),
		Rows:       out.Rows,
		Skipped:    out.Skipped,
		DurationMS: out.Duration().Milliseconds(),
	}
	if out.Err != nil {
		tr.Error = out.Err.Error()
		tr.ErrorCode = fserrors.GetCode(out.Err)
	}

	if s.stats != nil {
		s.stats.Record(out.Table, tr.State, out.Rows, out.Err)
	}
	if s.manifest == nil {
		return tr
	}

	if out.State == engine.StateCommitted {
		if applied, ok := s.engine.Registry().Get(out.Table); ok {
			v, err := s.versions.RegisterSchema(ctx, applied)
			if err != nil {
				log.Printf("syncer: [WARN] register schema of %s: %v", out.Table, err)
			}
			tr.SchemaVersion = v
		}
	}

	run := &manifest.RunRecord{
		RunID:         manifest.NewRunID(),
		BatchID:       rep.BatchID,
		Table:         out.Table,
		Mode:          out.Mode.String(),
		State:         tr.State,
		Rows:          out.Rows,
		Skipped:       out.Skipped,
		AddedColumns:  out.Added,
		ErrorCode:     tr.ErrorCode,
		Error:         tr.Error,
		Fingerprint:   rep.Fingerprint,
		ArchivePath:   rep.ArchivePath,
		SchemaVersion: tr.SchemaVersion,
		StartedAt:     out.Started,
		FinishedAt:    out.Finished,
	}
	if err := s.manifest.RecordRun(ctx, run); err != nil {
		log.Printf("syncer: [WARN] record run of %s: %v", out.Table, err)
		return tr
	}
	tr.RunID = run.RunID
	return tr
}
