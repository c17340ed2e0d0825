// Package dbtest provides an in-memory db.Dialer for tests. The store
// enforces the email unique key atomically, the way the real unique index does.
package dbtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alatar/waitlist/internal/models"
	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
	"github.com/alatar/waitlist/services/waitlist-service/internal/db"
)

type Store struct {
	mu      sync.Mutex
	records map[string]models.SignupRecord
	schema  bool

	// AfterExists runs after every existence check, outside the lock.
	AfterExists func(email string)
	// FindErr and InsertErr, when set, are returned by the matching operation.
	FindErr   error
	InsertErr error
}

func NewStore() *Store {
	return &Store{records: make(map[string]models.SignupRecord)}
}

func (s *Store) Records() []models.SignupRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SignupRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

func (s *Store) Get(email string) (models.SignupRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[email]
	return r, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) SchemaEnsured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema
}

func (s *Store) exists(email string) (bool, error) {
	s.mu.Lock()
	if s.FindErr != nil {
		err := s.FindErr
		s.mu.Unlock()
		return false, err
	}
	_, ok := s.records[email]
	hook := s.AfterExists
	s.mu.Unlock()

	if hook != nil {
		hook(email)
	}
	return ok, nil
}

func (s *Store) insert(rec models.SignupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return s.InsertErr
	}
	if _, ok := s.records[rec.Email]; ok {
		return apperr.E(apperr.Duplicate, "memory.insert", errors.New("E11000 duplicate key error collection: signups index: email_unique"))
	}
	s.records[rec.Email] = rec
	return nil
}

// Step scripts one Dial call. A zero Step succeeds.
type Step struct {
	Err error
	// KeepHandle returns a live handle alongside Err, as a dialer does when
	// the transport connected but the verifying ping failed.
	KeepHandle bool
	// PingErr is returned by the handle's later Ping calls.
	PingErr error
	// CloseErr is returned by the handle's Close.
	CloseErr error
	// BlockClose makes Close wait until its context is done.
	BlockClose bool
	// Delay holds Dial for this long, or until its context is done, before
	// the step's outcome is returned.
	Delay time.Duration
}

type Dialer struct {
	Store *Store

	mu    sync.Mutex
	steps []Step
	dials int
	conns []*Conn
}

func NewDialer(store *Store, steps ...Step) *Dialer {
	if store == nil {
		store = NewStore()
	}
	return &Dialer{Store: store, steps: steps}
}

func (d *Dialer) Name() string { return "memory" }

func (d *Dialer) Dial(ctx context.Context) (db.Conn, error) {
	d.mu.Lock()
	var step Step
	if d.dials < len(d.steps) {
		step = d.steps[d.dials]
	}
	d.dials++
	d.mu.Unlock()

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, apperr.E(apperr.ServerSelection, "memory.connect", err)
	}

	if step.Err != nil && !step.KeepHandle {
		return nil, step.Err
	}

	conn := &Conn{store: d.Store, pingErr: step.PingErr, closeErr: step.CloseErr, blockClose: step.BlockClose}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()

	if step.Err != nil {
		return conn, step.Err
	}
	return conn, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns every handle the dialer has produced, in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// TotalCloses sums Close calls across every handle.
func (d *Dialer) TotalCloses() int {
	n := 0
	for _, c := range d.Conns() {
		n += c.Closes()
	}
	return n
}

type Conn struct {
	store      *Store
	pingErr    error
	closeErr   error
	blockClose bool

	mu     sync.Mutex
	pings  int
	closes int
}

func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closes++
	block, err := c.blockClose, c.closeErr
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (c *Conn) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return c.store.exists(email)
}

func (c *Conn) InsertSignup(ctx context.Context, rec models.SignupRecord) error {
	return c.store.insert(rec)
}

func (c *Conn) EnsureSchema(ctx context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.schema = true
	return nil
}

func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
