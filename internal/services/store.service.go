package services

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"zfsdash/internal/models"
)

// ErrInvalidPoolName is returned for names zpool would reject
var ErrInvalidPoolName = errors.New("invalid pool name")

// Pool names start with a letter and contain only [a-zA-Z0-9_.-]
var poolNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.\-]*$`)

// ValidatePoolName checks name against the zpool naming rules
func ValidatePoolName(name string) error {
	if !poolNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPoolName, name)
	}
	return nil
}

// StoreOptions configures every feed and buffer the Store creates
type StoreOptions struct {
	Capacity int
	Feed     FeedOptions
}

// feedState is the observable state of one pool's feed
type feedState struct {
	status          models.FeedStatus
	lastError       string
	parseErrorLast  bool
	retryCount      int
	nextRetryAt     time.Time
	parseErrors     uint64
	samplesReceived uint64
	lastSampleAt    time.Time
}

type storeEntry struct {
	buffer *RingBuffer
	feed   *FeedConnection
	state  feedState
	refs   int
}

// Store is the registry of live pool metrics. It owns every ring buffer and
// feed connection; callers only trigger connections, read snapshots, and
// subscribe to change notifications. No Store method blocks on I/O.
//
// Feed events notify subscribers on the feed's goroutine before the feed
// reads again, after the change is visible through Snapshot. Changes made
// by Connect and Release are applied at once and notified from a background
// goroutine, so both may be called from inside a callback. Notifications
// from all pools are serialised: callbacks never run concurrently.
type Store struct {
	dialer Dialer
	opts   StoreOptions

	mu      sync.RWMutex
	entries map[string]*storeEntry
	closed  bool

	subs Subscribers
	// pending tracks background stops and notifications; Close waits for it
	pending sync.WaitGroup
}

// NewStore creates an empty registry that opens feeds through dialer
func NewStore(dialer Dialer, opts StoreOptions) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	opts.Feed = opts.Feed.withDefaults()
	return &Store{
		dialer:  dialer,
		opts:    opts,
		entries: make(map[string]*storeEntry),
	}
}

// Connect makes sure a feed is running for resource and takes a reference
// on it. Repeated calls never open a second feed.
func (s *Store) Connect(resource string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	e, ok := s.entries[resource]
	if !ok {
		e = &storeEntry{buffer: NewRingBuffer(s.opts.Capacity)}
		s.entries[resource] = e
	}
	e.refs++

	if err := ValidatePoolName(resource); err != nil {
		changed := e.state.status != models.StatusFailed
		e.state.status = models.StatusFailed
		e.state.lastError = err.Error()
		if changed {
			s.background(func() {
				log.Printf("[STORE] %v", err)
				s.subs.Notify()
			})
		}
		s.mu.Unlock()
		return
	}

	if e.feed != nil {
		s.mu.Unlock()
		return
	}

	e.feed = newFeedConnection(resource, s.dialer, s.opts.Feed, s)
	e.feed.Start()
	s.mu.Unlock()
	log.Printf("[STORE] %s: feed created", resource)
}

// Release drops one reference taken by Connect. When the last reference
// goes the feed is cancelled and reports nothing further; its transport is
// closed in the background. Buffered history is kept for a later Connect.
func (s *Store) Release(resource string) {
	s.mu.Lock()
	e, ok := s.entries[resource]
	if !ok || e.refs == 0 {
		s.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 || e.feed == nil {
		s.mu.Unlock()
		return
	}

	fc := e.feed
	e.feed = nil
	e.state.status = models.StatusIdle
	e.state.lastError = ""
	e.state.parseErrorLast = false
	e.state.nextRetryAt = time.Time{}
	s.background(func() {
		fc.Stop()
		log.Printf("[STORE] %s: feed released", resource)
		s.subs.Notify()
	})
	s.mu.Unlock()
}

// background runs fn on its own goroutine and lets Close wait for it.
// Caller must hold s.mu.
func (s *Store) background(fn func()) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		fn()
	}()
}

// Close stops every feed and waits for their transports to close. Connect
// is a no-op afterwards. Close must not be called from a subscriber callback.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	var feeds []*FeedConnection
	for _, e := range s.entries {
		if e.feed != nil {
			feeds = append(feeds, e.feed)
			e.feed = nil
			e.state.status = models.StatusIdle
			e.state.nextRetryAt = time.Time{}
		}
	}
	s.mu.Unlock()

	for _, fc := range feeds {
		fc.Stop()
	}
	s.pending.Wait()
	if len(feeds) > 0 {
		s.subs.Notify()
	}
	log.Printf("[STORE] closed (%d feeds stopped)", len(feeds))
}

// Snapshot returns up to maxCount of the newest samples for resource, oldest
// first. The slice is a copy; unknown pools yield an empty slice.
func (s *Store) Snapshot(resource string, maxCount int) []models.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[resource]
	if !ok {
		return []models.Sample{}
	}
	return e.buffer.Snapshot(maxCount)
}

// Latest returns the newest sample for resource, if any
func (s *Store) Latest(resource string) (models.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[resource]
	if !ok {
		return models.Sample{}, false
	}
	return e.buffer.Latest()
}

// Status returns the feed status, Idle for unknown pools
func (s *Store) Status(resource string) models.FeedStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[resource]; ok {
		return e.state.status
	}
	return models.StatusIdle
}

// IsConnected reports whether the feed for resource is open
func (s *Store) IsConnected(resource string) bool {
	return s.Status(resource) == models.StatusOpen
}

// LastError returns the most recent feed error, or "" when there is none
func (s *Store) LastError(resource string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[resource]; ok {
		return e.state.lastError
	}
	return ""
}

// Info returns a full status view of resource
func (s *Store) Info(resource string) models.FeedInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoLocked(resource)
}

// History returns the status of resource and up to maxCount of its newest
// samples, read under a single lock.
func (s *Store) History(resource string, maxCount int) (models.FeedInfo, []models.Sample) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := s.infoLocked(resource)
	e, ok := s.entries[resource]
	if !ok {
		return info, []models.Sample{}
	}
	return info, e.buffer.Snapshot(maxCount)
}

// Since returns the status of resource together with the samples appended
// after the first seen ones, read under a single lock. seen is a previous
// FeedInfo.SamplesReceived; samples already evicted are skipped.
func (s *Store) Since(resource string, seen uint64) (models.FeedInfo, []models.Sample) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := s.infoLocked(resource)
	e, ok := s.entries[resource]
	if !ok || info.SamplesReceived <= seen {
		return info, []models.Sample{}
	}
	fresh := info.SamplesReceived - seen
	return info, e.buffer.Snapshot(int(min(fresh, uint64(e.buffer.Cap()))))
}

func (s *Store) infoLocked(resource string) models.FeedInfo {
	info := models.FeedInfo{
		Pool:     resource,
		Status:   models.StatusIdle,
		Capacity: s.opts.Capacity,
	}
	if e, ok := s.entries[resource]; ok {
		info.Status = e.state.status
		info.LastError = e.state.lastError
		info.RetryCount = e.state.retryCount
		info.NextRetryAt = timePtr(e.state.nextRetryAt)
		info.ParseErrors = e.state.parseErrors
		info.SamplesReceived = e.state.samplesReceived
		info.LastSampleAt = timePtr(e.state.lastSampleAt)
		info.Buffered = e.buffer.Len()
		info.Refs = e.refs
	}
	info.Label = info.Status.Label()
	return info
}

// timePtr returns nil for the zero time so it is omitted from JSON
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Resources lists every pool the Store knows about, sorted
func (s *Store) Resources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe registers fn to run after every sample append and status change
// of any pool. The returned func unregisters it. fn may read the Store and
// call Connect, Release, Subscribe or the unsubscribe func; it must not call
// Close.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	return s.subs.Add(fn)
}

// entryFor returns the entry fc belongs to, or nil when fc has been replaced
// or released. Caller must hold s.mu.
func (s *Store) entryFor(fc *FeedConnection) *storeEntry {
	e, ok := s.entries[fc.resource]
	if !ok || e.feed != fc {
		return nil
	}
	return e
}

func (s *Store) feedTransition(fc *FeedConnection, t Transition) {
	s.mu.Lock()
	e := s.entryFor(fc)
	if e == nil {
		s.mu.Unlock()
		return
	}

	e.state.status = t.Status
	switch t.Status {
	case models.StatusOpen:
		e.state.retryCount = 0
		e.state.nextRetryAt = time.Time{}
		e.state.lastError = ""
		e.state.parseErrorLast = false
	case models.StatusConnecting:
		e.state.retryCount = t.RetryCount
		e.state.nextRetryAt = time.Time{}
	case models.StatusReconnecting:
		e.state.retryCount = t.RetryCount
		e.state.nextRetryAt = t.NextRetryAt
		if t.Err != nil {
			e.state.lastError = t.Err.Error()
			e.state.parseErrorLast = false
		}
	}
	s.mu.Unlock()

	s.subs.Notify()
}

func (s *Store) feedSample(fc *FeedConnection, sample models.Sample) {
	s.mu.Lock()
	e := s.entryFor(fc)
	if e == nil {
		s.mu.Unlock()
		return
	}

	e.buffer.Append(sample)
	e.state.samplesReceived++
	e.state.lastSampleAt = sample.Timestamp
	if e.state.parseErrorLast {
		e.state.lastError = ""
		e.state.parseErrorLast = false
	}
	s.mu.Unlock()

	s.subs.Notify()
}

func (s *Store) feedParseError(fc *FeedConnection, err error) {
	s.mu.Lock()
	e := s.entryFor(fc)
	if e == nil {
		s.mu.Unlock()
		return
	}

	e.state.parseErrors++
	e.state.lastError = err.Error()
	e.state.parseErrorLast = true
	n := e.state.parseErrors
	s.mu.Unlock()

	if n == 1 || n%100 == 0 {
		log.Printf("[FEED] %s: dropped message (%d so far): %v", fc.resource, n, err)
	}
	s.subs.Notify()
}
