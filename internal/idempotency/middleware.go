package idempotency

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
)

const (
	// HeaderKey is the client-supplied idempotency key header.
	HeaderKey = "Idempotency-Key"

	// HeaderReplayed marks a response served from the cache, so clients and
	// tests can tell a replay from a first run.
	HeaderReplayed = "Idempotency-Replayed"
)

type Options struct {
	// Required rejects mutating requests without an idempotency key.
	Required bool
}

// Middleware is the idempotency gate for mutating handlers. For a given
// (method, path, key) at most one handler execution is ever observably in
// flight: a second caller gets either the cached replay or a 409.
func Middleware(store *Store, logger *log.Logger, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(HeaderKey)
			if key == "" {
				if opts.Required {
					writeError(w, http.StatusBadRequest, "missing Idempotency-Key header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if _, err := uuid.Parse(key); err != nil {
				writeError(w, http.StatusBadRequest, "Idempotency-Key must be a UUID")
				return
			}

			ctx := r.Context()
			cacheKey := CacheKey(r.Method, r.URL.Path, key)

			cached, err := store.Lookup(ctx, cacheKey)
			if err != nil {
				logger.Printf("idempotency: lookup failed key=%s err=%v", cacheKey, err)
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}
			if cached != nil {
				replay(w, cached)
				return
			}

			locked, err := store.TryLock(ctx, cacheKey)
			if err != nil {
				logger.Printf("idempotency: lock failed key=%s err=%v", cacheKey, err)
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}
			if !locked {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusConflict, "request with this idempotency key is in flight")
				return
			}
			defer func() {
				if err := store.Unlock(ctx, cacheKey); err != nil {
					logger.Printf("idempotency: unlock failed key=%s err=%v", cacheKey, err)
				}
			}()

			rec := newRecorder(w)
			next.ServeHTTP(rec, r)

			// only successful outcomes become replayable
			if rec.status >= 200 && rec.status < 300 {
				if err := store.Save(ctx, cacheKey, rec.snapshot()); err != nil {
					logger.Printf("idempotency: save failed key=%s err=%v", cacheKey, err)
				}
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func replay(w http.ResponseWriter, cached *CachedResponse) {
	for k, v := range cached.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":` + jsonString(msg) + `}`))
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// recorder tees the handler's response to the client while keeping a copy
// for the cache. Explicit before/after interception, no writer swapping.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func (r *recorder) snapshot() *CachedResponse {
	headers := make(map[string]string, len(r.Header()))
	for k, vs := range r.Header() {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}
	return &CachedResponse{
		StatusCode: r.status,
		Headers:    headers,
		Body:       append([]byte(nil), r.body.Bytes()...),
	}
}
