package idempotency

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicing-service/internal/kv"
)

func newGate(t *testing.T, opts Options) (*Store, func(http.Handler) http.Handler) {
	t.Helper()
	store := NewStore(kv.NewMemoryStore(), time.Hour, time.Second)
	return store, Middleware(store, log.New(io.Discard, "", 0), opts)
}

func counterHandler(counter *atomic.Int64, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := counter.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"execution": n})
	})
}

func TestReplayIsByteIdentical(t *testing.T) {
	_, gate := newGate(t, Options{Required: true})

	var calls atomic.Int64
	srv := httptest.NewServer(gate(counterHandler(&calls, http.StatusCreated)))
	defer srv.Close()

	key := uuid.NewString()

	do := func() (*http.Response, []byte) {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/invoices", nil)
		req.Header.Set(HeaderKey, key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		return resp, body
	}

	first, firstBody := do()
	require.Equal(t, http.StatusCreated, first.StatusCode)
	require.Empty(t, first.Header.Get(HeaderReplayed))

	second, secondBody := do()
	require.Equal(t, http.StatusCreated, second.StatusCode)
	require.Equal(t, "true", second.Header.Get(HeaderReplayed))
	require.Equal(t, firstBody, secondBody, "replay must be byte-identical")
	require.Equal(t, int64(1), calls.Load(), "handler must run exactly once")
}

func TestMissingAndMalformedKeys(t *testing.T) {
	_, gate := newGate(t, Options{Required: true})

	var calls atomic.Int64
	h := gate(counterHandler(&calls, http.StatusOK))

	req := httptest.NewRequest(http.MethodPost, "/api/invoices", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/invoices", nil)
	req.Header.Set(HeaderKey, "not-a-uuid")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	require.Zero(t, calls.Load())
}

func TestOptionalKeySkipsGate(t *testing.T) {
	_, gate := newGate(t, Options{Required: false})

	var calls atomic.Int64
	h := gate(counterHandler(&calls, http.StatusOK))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/invoices", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	require.Equal(t, int64(2), calls.Load(), "keyless requests bypass deduplication")
}

func TestReadsBypassGate(t *testing.T) {
	_, gate := newGate(t, Options{Required: true})

	var calls atomic.Int64
	h := gate(counterHandler(&calls, http.StatusOK))

	req := httptest.NewRequest(http.MethodGet, "/api/invoices/inv-1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(1), calls.Load())
}

func TestConcurrentSameKeyConflicts(t *testing.T) {
	_, gate := newGate(t, Options{Required: true})

	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int64
	h := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	key := uuid.NewString()

	var wg sync.WaitGroup
	wg.Add(1)
	first := httptest.NewRecorder()
	go func() {
		defer wg.Done()
		req := httptest.NewRequest(http.MethodPost, "/api/invoices", nil)
		req.Header.Set(HeaderKey, key)
		h.ServeHTTP(first, req)
	}()
	<-entered

	// second request with the same key while the first is in flight
	req := httptest.NewRequest(http.MethodPost, "/api/invoices", nil)
	req.Header.Set(HeaderKey, key)
	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)

	require.Equal(t, http.StatusConflict, second.Code)
	require.Equal(t, "1", second.Result().Header.Get("Retry-After"))

	close(release)
	wg.Wait()
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, int64(1), calls.Load(), "never a second independent execution")
}

func TestFailuresAreNotCached(t *testing.T) {
	_, gate := newGate(t, Options{Required: true})

	var calls atomic.Int64
	h := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			http.Error(w, "downstream unavailable", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(strconv.FormatInt(n, 10)))
	}))

	key := uuid.NewString()
	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/invoices", nil)
		req.Header.Set(HeaderKey, key)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusBadGateway, do().Code)

	// the failed attempt did not poison the cache; the retry executes
	rr := do()
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Empty(t, rr.Result().Header.Get(HeaderReplayed))
	require.Equal(t, int64(2), calls.Load())
}

func TestInvalidateAllowsReprocessing(t *testing.T) {
	store, gate := newGate(t, Options{Required: true})

	var calls atomic.Int64
	h := gate(counterHandler(&calls, http.StatusCreated))

	key := uuid.NewString()
	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/invoices", nil)
		req.Header.Set(HeaderKey, key)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusCreated, do().Code)
	require.Equal(t, "true", do().Result().Header.Get(HeaderReplayed))
	require.Equal(t, int64(1), calls.Load())

	require.NoError(t, store.Invalidate(context.Background(), http.MethodPost, "/api/invoices", key))

	rr := do()
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Empty(t, rr.Result().Header.Get(HeaderReplayed))
	require.Equal(t, int64(2), calls.Load())
}

func TestKeyIsScopedToMethodAndPath(t *testing.T) {
	_, gate := newGate(t, Options{Required: true})

	var calls atomic.Int64
	h := gate(counterHandler(&calls, http.StatusOK))

	key := uuid.NewString()
	for _, path := range []string{"/api/invoices", "/api/credit-notes"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(HeaderKey, key)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		require.Empty(t, rr.Result().Header.Get(HeaderReplayed))
	}
	require.Equal(t, int64(2), calls.Load(), "same key on different paths is two requests")
}
