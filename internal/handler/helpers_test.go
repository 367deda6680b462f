package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Brahmajyot/story-time/internal/ai/mock"
	"github.com/Brahmajyot/story-time/internal/auth"
	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/repository"
	"github.com/Brahmajyot/story-time/internal/service"
	"github.com/stretchr/testify/require"
)

// fixture wires real services over the memory store.
type fixture struct {
	store      *repository.MemoryStore
	provider   *mock.Provider
	quota      service.QuotaService
	linker     service.LinkerService
	reconciler service.ReconcilerService
	principals service.PrincipalService
	stories    service.StoryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := discardLogger()
	store := repository.NewMemoryStore()
	provider := mock.New(logger)

	cfg := service.QuotaConfig{
		FreeLimit:      domain.DefaultFreeLimit,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	}
	quota := service.NewQuotaService(store, cfg, logger)
	linker := service.NewLinkerService(store, logger)

	return &fixture{
		store:      store,
		provider:   provider,
		quota:      quota,
		linker:     linker,
		reconciler: service.NewReconcilerService(store, linker, cfg, logger),
		principals: service.NewPrincipalService(store, cfg.FreeLimit, logger),
		stories: service.NewStoryService(store, quota, provider, provider, service.StoryConfig{
			GenerationTimeout: time.Second,
			RefundTimeout:     time.Second,
		}, logger),
	}
}

// passthrough stands in for middleware that is tested elsewhere.
func passthrough(next http.Handler) http.Handler { return next }

// requireIdentity rejects requests without an identity, like the auth middleware.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.GetIdentityFromRequest(r) == nil {
			UnauthorizedResponse(w, r, discardLogger())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func asPrincipal(principalID string) *auth.Identity {
	return &auth.Identity{PrincipalID: principalID}
}

func asAdmin() *auth.Identity {
	return &auth.Identity{Admin: true}
}

// do sends a request through mux as id (nil for anonymous).
func do(t *testing.T, mux http.Handler, method, target string, body any, id *auth.Identity) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if id != nil {
		req = req.WithContext(auth.SetIdentity(req.Context(), id))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
