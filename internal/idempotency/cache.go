package idempotency

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Header carries the client supplied idempotency key
const Header = "X-Idempotency-Key"

const (
	defaultSize     = 64
	defaultTTL      = 30 * time.Minute
	defaultMaxBytes = 1 << 20
)

// Options bounds the cache
type Options struct {
	Size     int
	TTL      time.Duration
	MaxBytes int
	Logger   *zap.Logger
	Stats    tally.Scope
}

// entry is one keyed response, in flight until done is closed
type entry struct {
	method string
	path   string
	done   chan struct{}
	once   sync.Once

	// set before done is closed
	valid  bool
	status int
	header http.Header
	body   []byte
}

func newEntry(r *http.Request) *entry {
	return &entry{
		method: r.Method,
		path:   r.URL.Path,
		done:   make(chan struct{}),
	}
}

// release wakes every waiter. Only the first call has any effect.
func (e *entry) release(valid bool, status int, header http.Header, body []byte) {
	e.once.Do(func() {
		e.valid = valid
		e.status = status
		e.header = header
		e.body = body
		close(e.done)
	})
}

// Cache replays responses of retried mutating requests
type Cache struct {
	mu       sync.Mutex
	entries  *expirable.LRU[string, *entry]
	maxBytes int
	logger   *zap.Logger
	stats    tally.Scope
}

// New creates a cache bounded by opts
func New(opts Options) *Cache {
	if opts.Size <= 0 {
		opts.Size = defaultSize
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stats == nil {
		opts.Stats = tally.NoopScope
	}

	c := &Cache{
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger.Named("idempotency"),
		stats:    opts.Stats.SubScope("idempotency"),
	}
	c.entries = expirable.NewLRU[string, *entry](opts.Size, func(key string, e *entry) {
		e.release(false, 0, nil, nil)
	}, opts.TTL)
	return c
}

func monitored(method string) bool {
	return method == http.MethodPost || method == http.MethodPatch
}

// Middleware deduplicates POST and PATCH requests carrying an idempotency
// key. The first request runs next and its response is recorded; later
// requests with the same key wait for it and replay the recorded bytes.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(Header)
		if key == "" || !monitored(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		c.mu.Lock()
		e, ok := c.entries.Get(key)
		if !ok {
			e = newEntry(r)
			c.entries.Add(key, e)
		}
		c.mu.Unlock()

		if !ok {
			c.stats.Counter("misses").Inc(1)
			c.record(key, e, next, w, r)
			return
		}

		if e.method != r.Method || e.path != r.URL.Path {
			c.stats.Counter("collisions").Inc(1)
			c.logger.Warn("idempotency key was reused for a different request",
				zap.String("key", key),
				zap.String("original", e.method+" "+e.path),
				zap.String("request", r.Method+" "+r.URL.Path))
			next.ServeHTTP(w, r)
			return
		}

		select {
		case <-e.done:
		case <-r.Context().Done():
			return
		}

		if !e.valid {
			c.logger.Debug("cached response is not usable, handling request normally", zap.String("key", key))
			next.ServeHTTP(w, r)
			return
		}

		c.stats.Counter("hits").Inc(1)
		c.logger.Debug("replaying cached response", zap.String("key", key))
		for k, v := range e.header {
			w.Header()[k] = v
		}
		w.WriteHeader(e.status)
		_, _ = w.Write(e.body)
	})
}

// record runs next, buffering what it writes. The entry is released on the
// way out even if next panics.
func (c *Cache) record(key string, e *entry, next http.Handler, w http.ResponseWriter, r *http.Request) {
	rec := &recorder{ResponseWriter: w, max: c.maxBytes}
	completed := false
	defer func() {
		if !completed || rec.overflow {
			c.stats.Counter("invalidated").Inc(1)
			c.invalidate(key, e)
			return
		}
		e.release(true, rec.statusCode(), rec.Header().Clone(), rec.buf.Bytes())
	}()

	next.ServeHTTP(rec, r)
	completed = true
}

func (c *Cache) invalidate(key string, e *entry) {
	c.mu.Lock()
	if cur, ok := c.entries.Peek(key); ok && cur == e {
		c.entries.Remove(key)
	}
	c.mu.Unlock()
	e.release(false, 0, nil, nil)
}

// recorder buffers a response while passing it through. Past max bytes it
// stops buffering and marks the response as not replayable.
type recorder struct {
	http.ResponseWriter
	max      int
	status   int
	buf      bytes.Buffer
	overflow bool
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if !r.overflow {
		if r.buf.Len()+len(b) > r.max {
			r.overflow = true
			r.buf = bytes.Buffer{}
		} else {
			r.buf.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *recorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
