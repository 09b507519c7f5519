// Package jobstore implements the job store (C3): persistence of job
// records and the append-only, line-delimited job output event log.
package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/atomicfile"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/safepath"
	"go.uber.org/zap"
)

const (
	jobFileName       = "job.json"
	outputFileName    = "events.jsonl"
	outputLogFileName = "output.log"
)

// Store persists jobs under <stateDir>/jobs/<job-id>/.
type Store struct {
	stateDir string
	log      *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore returns a Store rooted at <stateDir>/jobs.
func NewStore(stateDir string, log *logger.Logger) *Store {
	return &Store{
		stateDir: stateDir,
		log:      log.WithFields(zap.String("component", "job_store")),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// NewJobID generates an id of the form YYYY-MM-DD-<random-suffix>, the
// suffix derived from a UUIDv4 (already identifier-pattern compatible: lower
// hex digits and hyphens) so daily collisions are astronomically unlikely.
func NewJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("%s-%s", now.UTC().Format("2006-01-02"), suffix)
}

func (s *Store) jobDir(id string) (string, error) {
	return safepath.BuildSafePath(s.stateDir, []string{"jobs", id}, "")
}

// CreateJob allocates a job ID, creates its directory, and persists the
// initial record. IDs are immutable once assigned. An agent name that is not
// a valid identifier is rejected with a PathTraversalError before anything
// is written.
func (s *Store) CreateJob(fields model.Job) (model.Job, error) {
	if _, err := safepath.MustIdentifier(fields.Agent); err != nil {
		return model.Job{}, err
	}
	if fields.ID == "" {
		fields.ID = NewJobID(time.Now())
	}
	if !safepath.IsValidIdentifier(fields.ID) {
		return model.Job{}, fmt.Errorf("jobstore: invalid job id %q", fields.ID)
	}
	if fields.Status == "" {
		fields.Status = model.JobPending
	}
	if fields.StartedAt.IsZero() {
		fields.StartedAt = time.Now()
	}

	dir, err := s.jobDir(fields.ID)
	if err != nil {
		return model.Job{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.Job{}, &atomicfile.StateWriteError{Path: dir, Err: err}
	}

	lock := s.lockFor(fields.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.writeJobLocked(dir, &fields); err != nil {
		return model.Job{}, err
	}
	return fields, nil
}

// UpdateJob loads the current record, applies mutate, and enforces the
// monotonic status invariant before writing it back.
func (s *Store) UpdateJob(id string, mutate func(job *model.Job)) (model.Job, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir, err := s.jobDir(id)
	if err != nil {
		return model.Job{}, err
	}

	job, err := s.readJobLocked(dir)
	if err != nil {
		return model.Job{}, err
	}

	before := job.Status
	mutate(job)
	if !model.CanTransition(before, job.Status) {
		return model.Job{}, fmt.Errorf("jobstore: illegal status transition %s -> %s for job %s", before, job.Status, id)
	}

	if err := s.writeJobLocked(dir, job); err != nil {
		return model.Job{}, err
	}
	return *job, nil
}

// GetJob returns the current job record.
func (s *Store) GetJob(id string) (model.Job, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir, err := s.jobDir(id)
	if err != nil {
		return model.Job{}, err
	}
	job, err := s.readJobLocked(dir)
	if err != nil {
		return model.Job{}, err
	}
	return *job, nil
}

func (s *Store) readJobLocked(dir string) (*model.Job, error) {
	data, ok, err := atomicfile.Read(dir + string(os.PathSeparator) + jobFileName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("jobstore: job record not found at %s", dir)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("jobstore: corrupt job record at %s: %w", dir, err)
	}
	return &job, nil
}

func (s *Store) writeJobLocked(dir string, job *model.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(dir+string(os.PathSeparator)+jobFileName, data, 0o644)
}

// GetJobOutputPath returns the structured append-only event log path for id.
func (s *Store) GetJobOutputPath(id string) (string, error) {
	dir, err := s.jobDir(id)
	if err != nil {
		return "", err
	}
	return dir + string(os.PathSeparator) + outputFileName, nil
}

// GetJobOutputLogPath returns the optional human-readable output.log path
// for id (§4.6 step 3), alongside the structured event log.
func (s *Store) GetJobOutputLogPath(id string) (string, error) {
	dir, err := s.jobDir(id)
	if err != nil {
		return "", err
	}
	return dir + string(os.PathSeparator) + outputLogFileName, nil
}

// AppendJobOutput appends one event as a JSON line. Multiple concurrent
// appenders are tolerated via exclusive open-for-append; ordering within one
// job is preserved because the job executor is the only in-process writer
// for its own job (§5). Failures here are the caller's to log and swallow
// per §4.3/§4.6 — this method itself simply reports the error so the caller
// can decide.
func (s *Store) AppendJobOutput(id string, event model.JobOutputEvent) error {
	path, err := s.GetJobOutputPath(id)
	if err != nil {
		return err
	}

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	return nil
}
