package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Errors surfaced by backends. Transient network failures are retried
// internally and never escape.
var (
	// ErrNotExist is returned by Get for an absent object.
	ErrNotExist = errors.New("object does not exist")
	// ErrAccessDenied means the supplied credentials were rejected.
	ErrAccessDenied = errors.New("access denied")
	// ErrNoSuchBucket means the named bucket does not exist.
	ErrNoSuchBucket = errors.New("no such bucket")
)

// Store is the object-store handle the core consumes. Implementations
// retry transient errors until they succeed, so Get/Set/Delete/List only
// fail for non-retryable conditions. Clone yields an independent handle
// safe for use on a worker goroutine.
type Store interface {
	// CheckAccess validates credentials and bucket existence. It must be
	// called once before any other operation.
	CheckAccess() error

	// Get returns the content of the object at path, or ErrNotExist.
	Get(path string) ([]byte, error)

	// Set stores data at path, replacing any existing object.
	Set(path string, data []byte) error

	// Delete removes the object at path. Deleting a missing object
	// succeeds.
	Delete(path string) error

	// List calls fn for every object path under prefix. Returning an
	// error from fn stops the walk.
	List(prefix string, fn func(path string) error) error

	// Clone returns an independent handle over the same bucket/volume.
	Clone() Store
}

// Config selects and parameterizes a backend.
type Config struct {
	// Bucket and Volume locate the per-volume key namespace
	// <bucket>/<volume>/...
	Bucket string
	Volume string

	// Credentials for remote backends.
	AccessKey string
	SecretKey string

	// Endpoint overrides the service endpoint (S3-compatible stores).
	Endpoint string
	Region   string

	// Path is the database file for the bolt backend.
	Path string

	Retry RetryPolicy
}

// RetryPolicy bounds the retry-until-success loop around every network
// operation.
type RetryPolicy struct {
	// Interval between attempts; floored at one second.
	Interval time.Duration
	// Watchdog bounds a single attempt so a wedged connection cannot
	// hang a worker forever.
	Watchdog time.Duration
	// MaxElapsed stops retrying after this much total time. Zero means
	// retry forever, which is the default for a block device.
	MaxElapsed time.Duration
}

// DefaultRetryPolicy retries every second, forever, with a five minute
// per-attempt watchdog.
var DefaultRetryPolicy = RetryPolicy{
	Interval: time.Second,
	Watchdog: 5 * time.Minute,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Interval < time.Second {
		p.Interval = time.Second
	}
	if p.Watchdog <= 0 {
		p.Watchdog = DefaultRetryPolicy.Watchdog
	}
	return p
}

// run executes op under the policy. op receives a context bounded by the
// watchdog; wrap non-retryable failures in backoff.Permanent.
func (p RetryPolicy) run(op func(ctx context.Context) error) error {
	p = p.normalized()
	attempt := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), p.Watchdog)
		defer cancel()
		return op(ctx)
	}
	var bo backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxElapsed > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), p.MaxElapsed)
		defer cancel()
		bo = backoff.WithContext(bo, ctx)
	}
	return backoff.Retry(attempt, bo)
}

// Factory constructs a backend from its config.
type Factory func(cfg Config) (Store, error)

var backends = map[string]Factory{}

// Register adds a backend under name. Called from backend init
// functions.
func Register(name string, f Factory) {
	backends[name] = f
}

// Open constructs the named backend.
func Open(backend string, cfg Config) (Store, error) {
	f, ok := backends[backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (have %v)", backend, Backends())
	}
	return f(cfg)
}

// Backends lists registered backend names, sorted.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
