package jobqueue_test

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/skyfleet/missionagent/internal/jobqueue"
	"github.com/skyfleet/missionagent/internal/model"
)

// memStore keeps the records in memory with the same rules as the Redis
// store.
type memStore struct {
	mx      sync.Mutex
	seq     int
	records map[string]*jobqueue.Record
	clock   time.Time
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*jobqueue.Record),
		clock:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) Create(_ context.Context, thing string, doc json.RawMessage) (*jobqueue.Record, error) {
	var obj map[string]json.RawMessage
	if json.Unmarshal(doc, &obj) != nil || obj == nil {
		return nil, jobqueue.ErrInvalidDocument
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.seq++
	s.clock = s.clock.Add(time.Second)
	r := &jobqueue.Record{
		Thing:           thing,
		JobID:           "job-" + strconv.Itoa(s.seq),
		Status:          model.JobQueued,
		Document:        doc,
		QueuedAt:        s.clock,
		LastUpdatedAt:   s.clock,
		VersionNumber:   1,
		ExecutionNumber: 1,
	}
	s.records[thing+"/"+r.JobID] = r
	cp := *r
	return &cp, nil
}

func (s *memStore) Get(_ context.Context, thing, id string) (*jobqueue.Record, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	r, ok := s.records[thing+"/"+id]
	if !ok {
		return nil, jobqueue.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) Pending(_ context.Context, thing string) (jobqueue.Pending, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	var all []jobqueue.Record
	for _, r := range s.records {
		if r.Thing == thing {
			all = append(all, *r)
		}
	}
	slices.SortFunc(all, func(a, b jobqueue.Record) int {
		return cmp.Or(a.QueuedAt.Compare(b.QueuedAt), cmp.Compare(a.JobID, b.JobID))
	})
	var p jobqueue.Pending
	for _, r := range all {
		switch r.Status {
		case model.JobQueued:
			p.Queued = append(p.Queued, r)
		case model.JobInProgress:
			p.InProgress = append(p.InProgress, r)
		}
	}
	return p, nil
}

func (s *memStore) UpdateStatus(_ context.Context, thing, id string, status model.JobStatus, expectedVersion int64) (*jobqueue.Record, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	r, ok := s.records[thing+"/"+id]
	if !ok {
		return nil, jobqueue.ErrNotFound
	}
	if expectedVersion != 0 && expectedVersion != r.VersionNumber {
		return nil, fmt.Errorf("%w: %d", jobqueue.ErrVersionMismatch, r.VersionNumber)
	}
	if !r.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", jobqueue.ErrInvalidTransition, r.Status, status)
	}
	r.Status = status
	r.VersionNumber++
	cp := *r
	return &cp, nil
}

type fakeEnqueuer struct {
	mx     sync.Mutex
	things []string
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, thing string) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.things = append(e.things, thing)
	return nil
}

func (e *fakeEnqueuer) calls() []string {
	e.mx.Lock()
	defer e.mx.Unlock()
	return slices.Clone(e.things)
}

type fakePublisher struct {
	mx   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[subj] = append(p.msgs[subj], data)
	return nil
}

func (p *fakePublisher) last(subj string) []byte {
	p.mx.Lock()
	defer p.mx.Unlock()
	msgs := p.msgs[subj]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}
