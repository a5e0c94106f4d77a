package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/loykin/storagelink/internal/detector"
	"github.com/loykin/storagelink/internal/history"
	"github.com/loykin/storagelink/internal/metrics"
	"github.com/loykin/storagelink/internal/record"
	"github.com/loykin/storagelink/internal/registry"
	"github.com/loykin/storagelink/internal/store"
	"golang.org/x/sync/errgroup"
)

const discoverConcurrency = 8

type scanResult struct {
	folder string
	rec    record.Record
	alive  bool
	skip   bool
}

// Discover scans the backend folders under root and classifies their record
// files. Alive backends are re-attached to the process list, never respawned.
// Unwritten record files are skipped; tampered or incomplete ones are dead.
func (s *Supervisor) Discover(ctx context.Context, root string) (alive, dead []record.Record, err error) {
	if root == "" {
		root = s.opts.Root
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("list backend root %s: %w", root, err)
	}

	results := make([]scanResult, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoverConcurrency)
	for i, de := range entries {
		if !de.IsDir() {
			results[i].skip = true
			continue
		}
		i, folder := i, filepath.Join(root, de.Name())
		g.Go(func() error {
			res, err := s.classify(gctx, folder)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for _, res := range results {
		if res.skip {
			continue
		}
		if res.alive {
			alive = append(alive, res.rec)
			s.attach(ctx, res)
		} else {
			dead = append(dead, res.rec)
		}
	}
	sortRecords(alive)
	sortRecords(dead)
	metrics.AddRecovered(len(alive), len(dead))
	metrics.SetAlive(len(s.reg.Backends()))
	s.log.Info("backend discovery", "root", root, "alive", len(alive), "dead", len(dead))
	return alive, dead, nil
}

func (s *Supervisor) classify(ctx context.Context, folder string) (scanResult, error) {
	res := scanResult{folder: folder}
	d := s.recordDetector(folder)
	rec, state, err := d.Inspect(ctx)
	res.rec = rec
	if err != nil {
		if state == detector.FileMissing {
			return res, fmt.Errorf("read record %s: %w", d.Path, err)
		}
		return res, fmt.Errorf("verify %s: %w", d.Path, err)
	}
	switch state {
	case detector.FileMissing:
		res.skip = true
	case detector.FileUnsealed:
		s.log.Debug("unsealed backend record", "path", d.Path)
	case detector.FileTampered:
		s.log.Warn("backend record failed verification", "path", d.Path, "error", rec.Verify())
	case detector.FileAlive:
		res.alive = true
	}
	return res, nil
}

// attach adds a recovered backend to the process list unless this run
// already tracks a process for the same host:port.
func (s *Supervisor) attach(ctx context.Context, res scanResult) {
	if cur, ok := s.reg.Backend(res.rec.HostPort()); ok && cur.Record.PID == res.rec.PID {
		return
	}
	e := registry.BackendEntry{
		Record:         res.rec,
		Folder:         res.folder,
		StartUnix:      detector.StartUnix(res.rec.PID),
		LastCheckAlive: time.Now(),
	}
	s.reg.PutBackend(e)
	s.persist(ctx, e, store.StatusRecovered)
	s.emit(ctx, history.EventRecovered, e, 0, nil)
}

func sortRecords(rs []record.Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].BackendID != rs[j].BackendID {
			return rs[i].BackendID < rs[j].BackendID
		}
		return rs[i].PID < rs[j].PID
	})
}
