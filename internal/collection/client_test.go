package collection_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/qbanksync/internal/collection"
	"github.com/agentworkforce/qbanksync/internal/filter"
	"github.com/agentworkforce/qbanksync/internal/stub"
	"github.com/agentworkforce/qbanksync/internal/testutil"
)

func newStubServer(t *testing.T, cfg stub.ServerConfig) (*stub.Server, *httptest.Server) {
	t.Helper()
	server := stub.NewServerWithConfig(stub.NewStore(), cfg)
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return server, httpServer
}

func newClient(t *testing.T, baseURL string, opts collection.ClientOptions) *collection.HTTPClient {
	t.Helper()
	opts.BaseURL = baseURL
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 5 * time.Millisecond
	}
	opts.Logger = testutil.Logger(t)
	return collection.NewHTTPClient(opts)
}

func question(prompt, status string) collection.RecordInput {
	return collection.RecordInput{
		Prompt:     prompt,
		Choices:    []string{"yes", "no"},
		Answer:     "yes",
		Difficulty: "medium",
		Status:     status,
	}
}

func TestClientCapturesTokensAndGuardsUpdates(t *testing.T) {
	server, httpServer := newStubServer(t, stub.ServerConfig{})
	ctx := context.Background()
	alice := newClient(t, httpServer.URL, collection.ClientOptions{})
	bob := newClient(t, httpServer.URL, collection.ClientOptions{})

	created, err := alice.Create(ctx, question("Is water wet?", "draft"))
	require.NoError(t, err)
	aliceToken, ok := alice.Tokens().Get(created.ID)
	require.True(t, ok)

	_, err = bob.Get(ctx, created.ID)
	require.NoError(t, err)
	_, err = bob.Update(ctx, created.ID, question("Is water dry?", "review"))
	require.NoError(t, err)

	_, err = alice.Update(ctx, created.ID, question("Is fire hot?", "draft"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, collection.ErrPreconditionFailed))
	var precondition *collection.PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.Equal(t, aliceToken, precondition.Token)

	current, _, err := server.Store().Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Is water dry?", current.Prompt)

	_, err = alice.Get(ctx, created.ID)
	require.NoError(t, err)
	updated, err := alice.Update(ctx, created.ID, question("Is fire hot?", "draft"))
	require.NoError(t, err)
	assert.Equal(t, "Is fire hot?", updated.Prompt)
}

func TestClientDeleteSameKeyAppliesOnce(t *testing.T) {
	server, httpServer := newStubServer(t, stub.ServerConfig{})
	rec, _, err := server.Store().Create(question("delete me", "draft"))
	require.NoError(t, err)

	client := newClient(t, httpServer.URL, collection.ClientOptions{
		Keys: collection.KeyFunc(func() string { return "fixed-key" }),
	})
	ctx := context.Background()
	_, err = client.Delete(ctx, rec.ID)
	require.NoError(t, err)
	_, err = client.Delete(ctx, rec.ID)
	require.NoError(t, err)

	stats := server.Stats()
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.Replayed)
	assert.Equal(t, 0, server.Store().Len())
}

func TestClientRetryReusesIdempotencyKeyAfterLostResponse(t *testing.T) {
	server, httpServer := newStubServer(t, stub.ServerConfig{})
	rec, _, err := server.Store().Create(question("flaky network", "published"))
	require.NoError(t, err)
	server.InjectFault(http.StatusBadGateway, 1, true)

	client := newClient(t, httpServer.URL, collection.ClientOptions{})
	result, err := client.Delete(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warning)

	stats := server.Stats()
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.Replayed)
}

func TestClientSendsSameHeadersOnEveryAttempt(t *testing.T) {
	var (
		mu    sync.Mutex
		keys  []string
		corrs []string
		calls int32
	)
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(collection.HeaderIdempotencyKey))
		corrs = append(corrs, r.Header.Get(collection.HeaderCorrelationID))
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set(collection.HeaderETag, `"rev_9"`)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":9,"prompt":"p","difficulty":"easy","status":"draft"}`))
	}))
	defer httpServer.Close()

	client := newClient(t, httpServer.URL, collection.ClientOptions{Token: "secret"})
	rec, err := client.Create(context.Background(), question("p", "draft"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), rec.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 3)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[0], keys[2])
	assert.Equal(t, corrs[0], corrs[2])
	token, ok := client.Tokens().Get(9)
	assert.True(t, ok)
	assert.Equal(t, `"rev_9"`, token)
}

func TestClientDistinctCallsUseDistinctKeys(t *testing.T) {
	server, httpServer := newStubServer(t, stub.ServerConfig{})
	client := newClient(t, httpServer.URL, collection.ClientOptions{})
	ctx := context.Background()
	_, err := client.Create(ctx, question("one", "draft"))
	require.NoError(t, err)
	_, err = client.Create(ctx, question("two", "draft"))
	require.NoError(t, err)
	assert.Equal(t, 2, server.Store().Len())
	assert.Equal(t, 2, server.Stats().Applied)
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"internal","message":"database down"}`))
	}))
	defer httpServer.Close()

	client := newClient(t, httpServer.URL, collection.ClientOptions{MaxRetries: 2})
	_, err := client.List(context.Background(), filter.Default(), "")
	var httpErr *collection.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, "database down", httpErr.Message)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"unknown sort"}`))
	}))
	defer httpServer.Close()

	client := newClient(t, httpServer.URL, collection.ClientOptions{})
	_, err := client.List(context.Background(), filter.Default(), "")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClientNotFoundForgetsToken(t *testing.T) {
	server, httpServer := newStubServer(t, stub.ServerConfig{})
	rec, _, err := server.Store().Create(question("soon gone", "draft"))
	require.NoError(t, err)

	client := newClient(t, httpServer.URL, collection.ClientOptions{})
	ctx := context.Background()
	_, err = client.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 1, client.Tokens().Len())

	_, err = server.Store().Delete(rec.ID, "")
	require.NoError(t, err)

	_, err = client.Delete(ctx, rec.ID)
	assert.ErrorIs(t, err, collection.ErrNotFound)
	assert.Equal(t, 0, client.Tokens().Len())

	_, err = client.Update(ctx, rec.ID, question("zombie", "draft"))
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func TestClientRestoreRecreatesUnderSameID(t *testing.T) {
	server, httpServer := newStubServer(t, stub.ServerConfig{})
	client := newClient(t, httpServer.URL, collection.ClientOptions{})
	ctx := context.Background()

	rec, err := client.Create(ctx, question("undo me", "review"))
	require.NoError(t, err)
	_, err = client.Delete(ctx, rec.ID)
	require.NoError(t, err)
	_, ok := client.Tokens().Get(rec.ID)
	assert.False(t, ok)

	restored, err := client.Restore(ctx, rec.ID, rec.Input())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, restored.ID)
	assert.Equal(t, "undo me", restored.Prompt)
	_, ok = client.Tokens().Get(rec.ID)
	assert.True(t, ok)

	_, err = client.Restore(ctx, rec.ID, rec.Input())
	assert.ErrorIs(t, err, collection.ErrPreconditionFailed)
	assert.Equal(t, 1, server.Store().Len())
}

func TestClientRejectsInvalidInputLocally(t *testing.T) {
	var calls int32
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer httpServer.Close()

	client := newClient(t, httpServer.URL, collection.ClientOptions{})
	_, err := client.Create(context.Background(), collection.RecordInput{Prompt: "x", Difficulty: "easy", Status: "deleted"})
	assert.ErrorIs(t, err, collection.ErrInvalidInput)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestClientListNormalizesEveryEnvelopeStyle(t *testing.T) {
	for _, style := range []stub.EnvelopeStyle{stub.EnvelopeResults, stub.EnvelopeItems, stub.EnvelopeKeyed} {
		t.Run(string(style), func(t *testing.T) {
			server, httpServer := newStubServer(t, stub.ServerConfig{Envelope: style})
			for i := 0; i < 15; i++ {
				status := "draft"
				if i < 12 {
					status = "published"
				}
				_, _, err := server.Store().Create(question("q", status))
				require.NoError(t, err)
			}
			client := newClient(t, httpServer.URL, collection.ClientOptions{})

			spec := filter.Default()
			spec.Status = filter.StatusPublished
			spec.Page = 2
			spec.PageSize = 10
			spec.SortBy = filter.SortID
			spec.Order = filter.OrderAsc
			page, err := client.List(context.Background(), spec, "")
			require.NoError(t, err)
			assert.Equal(t, int64(12), page.Total)
			require.Len(t, page.Results, 2)
			assert.Equal(t, int64(11), page.Results[0].ID)
			assert.Equal(t, int64(12), page.Results[1].ID)
		})
	}
}

func TestClientKeysetPaging(t *testing.T) {
	server, httpServer := newStubServer(t, stub.ServerConfig{})
	for i := 0; i < 7; i++ {
		_, _, err := server.Store().Create(question("q", "draft"))
		require.NoError(t, err)
	}
	client := newClient(t, httpServer.URL, collection.ClientOptions{})
	spec := filter.Default()
	spec.Keyset = true
	spec.PageSize = 5
	spec.SortBy = filter.SortID
	spec.Order = filter.OrderAsc

	first, err := client.List(context.Background(), spec, "")
	require.NoError(t, err)
	require.Len(t, first.Results, 5)
	require.NotEmpty(t, first.NextCursor)

	second, err := client.List(context.Background(), spec, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Results, 2)
	assert.Equal(t, int64(6), second.Results[0].ID)
	assert.Empty(t, second.NextCursor)
}

func TestClientBearerToken(t *testing.T) {
	_, httpServer := newStubServer(t, stub.ServerConfig{Token: "s3cret"})

	anonymous := newClient(t, httpServer.URL, collection.ClientOptions{})
	_, err := anonymous.List(context.Background(), filter.Default(), "")
	var httpErr *collection.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)

	authed := newClient(t, httpServer.URL, collection.ClientOptions{Token: "s3cret"})
	_, err = authed.List(context.Background(), filter.Default(), "")
	assert.NoError(t, err)
}

func TestClientWatchReceivesChangeEvents(t *testing.T) {
	server, httpServer := newStubServer(t, stub.ServerConfig{})
	client := newClient(t, httpServer.URL, collection.ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := make(chan collection.ChangeEvent, 4)
	done := make(chan error, 1)
	go func() {
		done <- client.Watch(ctx, func(event collection.ChangeEvent) { events <- event })
	}()
	require.Eventually(t, func() bool { return server.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec, err := client.Create(ctx, question("live", "draft"))
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, collection.EventCreated, event.Type)
		assert.Equal(t, rec.ID, event.ID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for change event")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
