package graph_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/rzpsarthak13/sheetsync/internal/graph"
	"github.com/rzpsarthak13/sheetsync/internal/graph/graphtest"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return nil
}

func (r *sleepRecorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func newTestClient(t *testing.T, srv *graphtest.Server, opts ...graph.Option) (*graph.Client, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]graph.Option{graph.WithSleep(rec.sleep)}, opts...)
	client, err := graph.New(srv.Config(), opts...)
	require.NoError(t, err)
	return client, rec
}

func seconds(values ...int) []time.Duration {
	out := make([]time.Duration, len(values))
	for i, v := range values {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}

func TestRetry_ThrottledUntilExhausted(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	itemID := srv.AddWorkbook("/Apps/wb.xlsx", "Productos")
	client, rec := newTestClient(t, srv)

	srv.FailNext(
		graphtest.Failure{Status: http.StatusTooManyRequests},
		graphtest.Failure{Status: http.StatusTooManyRequests},
		graphtest.Failure{Status: http.StatusTooManyRequests},
		graphtest.Failure{Status: http.StatusTooManyRequests},
		graphtest.Failure{Status: http.StatusTooManyRequests},
	)

	_, err := client.ListRows(context.Background(), itemID, "Tabla")

	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrRetriesExhausted)
	assert.Equal(t, seconds(1, 2, 4, 8), rec.Waits())
	assert.Len(t, srv.Requests(), 5)
}

func TestRetry_TokenFailuresAreNotRetriedTwice(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	itemID := srv.AddWorkbook("/Apps/wb.xlsx", "Productos")

	fetches := 0
	failingToken := func(context.Context) (*oauth2.Token, error) {
		fetches++
		return nil, &graph.APIError{StatusCode: http.StatusServiceUnavailable, Method: http.MethodPost, Path: "/token"}
	}
	client, rec := newTestClient(t, srv, graph.WithTokenFetcher(failingToken))

	_, err := client.ListRows(context.Background(), itemID, "Tabla")

	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrRetriesExhausted)
	assert.Equal(t, 5, fetches, "one call makes at most five token attempts")
	assert.Equal(t, seconds(1, 2, 4, 8), rec.Waits())
	assert.Empty(t, srv.Requests())
}

func TestRetry_BackoffIsCapped(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	itemID := srv.AddWorkbook("/Apps/wb.xlsx", "Productos")

	cfg := srv.Config()
	cfg.MaxAttempts = 6
	rec := &sleepRecorder{}
	client, err := graph.New(cfg, graph.WithSleep(rec.sleep))
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		srv.FailNext(graphtest.Failure{Status: http.StatusTooManyRequests})
	}
	_, err = client.ListRows(context.Background(), itemID, "Tabla")

	assert.ErrorIs(t, err, graph.ErrRetriesExhausted)
	assert.Equal(t, seconds(1, 2, 4, 8, 8), rec.Waits())
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	itemID := srv.AddWorkbook("/Apps/wb.xlsx", "Productos")
	client, rec := newTestClient(t, srv)

	srv.FailNext(
		graphtest.Failure{Status: http.StatusTooManyRequests},
		graphtest.Failure{Status: http.StatusTooManyRequests},
		graphtest.Failure{Status: http.StatusTooManyRequests, RetryAfter: "3"},
	)
	_, err := client.WorksheetNames(context.Background(), itemID)

	require.NoError(t, err)
	assert.Equal(t, seconds(1, 2, 3), rec.Waits())
}

func TestRetry_ServerErrorThenSuccess(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	itemID := srv.AddWorkbook("/Apps/wb.xlsx", "Productos")
	client, rec := newTestClient(t, srv)

	srv.FailNext(graphtest.Failure{Status: http.StatusServiceUnavailable, RetryAfter: "0"})
	names, err := client.WorksheetNames(context.Background(), itemID)

	require.NoError(t, err)
	assert.Equal(t, []string{"Productos"}, names)
	assert.Equal(t, seconds(1), rec.Waits(), "non-positive retry-after falls back to backoff")
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	itemID := srv.AddWorkbook("/Apps/wb.xlsx", "Productos")
	client, rec := newTestClient(t, srv)

	srv.FailNext(graphtest.Failure{Status: http.StatusBadRequest})
	_, err := client.ListRows(context.Background(), itemID, "Tabla")

	var apiErr *graph.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotErrorIs(t, err, graph.ErrRetriesExhausted)
	assert.Empty(t, rec.Waits())
	assert.Len(t, srv.Requests(), 1)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, graph.IsRetryable(&graph.APIError{StatusCode: 429}))
	assert.True(t, graph.IsRetryable(&graph.APIError{StatusCode: 500}))
	assert.True(t, graph.IsRetryable(&graph.APIError{StatusCode: 504}))
	assert.False(t, graph.IsRetryable(&graph.APIError{StatusCode: 404}))
	assert.False(t, graph.IsRetryable(&graph.APIError{StatusCode: 409}))
	assert.True(t, graph.IsRetryable(assert.AnError), "no response at all")
	assert.False(t, graph.IsRetryable(context.Canceled))
	exhausted := fmt.Errorf("%w: GET /rows after 5 attempts: %w", graph.ErrRetriesExhausted, &graph.APIError{StatusCode: 503})
	assert.False(t, graph.IsRetryable(exhausted), "an exhausted call is terminal")
	assert.False(t, graph.IsRetryable(nil))
}

func TestResolveWorkbook_CreatesOnNotFoundAndCaches(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	path := graph.DrivePath("/Apps/parametros/", "Electricas_Base_ES.xlsx")
	assert.Equal(t, "/Apps/parametros/Electricas_Base_ES.xlsx", path)

	id, err := client.ResolveWorkbook(ctx, path, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, srv.Count(http.MethodPut, ":/content"))

	wb, ok := srv.Workbook(path)
	require.True(t, ok)
	assert.Equal(t, []string{"Productos"}, wb.Worksheets)

	srv.ResetRequests()
	again, err := client.ResolveWorkbook(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Empty(t, srv.Requests())

	other, _ := newTestClient(t, srv)
	found, err := other.ResolveWorkbook(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, id, found)
	assert.Zero(t, srv.Count(http.MethodPut, ":/content"), "existing workbook is reused")
}

func TestResolveWorkbook_OtherFailuresPropagate(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	client, _ := newTestClient(t, srv)

	srv.FailNext(graphtest.Failure{Status: http.StatusForbidden})
	_, err := client.ResolveWorkbook(context.Background(), "/Apps/x.xlsx", nil)

	require.Error(t, err)
	assert.Zero(t, srv.Count(http.MethodPut, ":/content"))
}

func TestResolveWorkbook_ConcurrentCallsCreateOnce(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	client, _ := newTestClient(t, srv)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = client.ResolveWorkbook(context.Background(), "/Apps/shared.xlsx", nil)
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, srv.Count(http.MethodPut, ":/content"))
}

func TestResolveWorkbook_CancelledCallerDoesNotFailOthers(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	client, _ := newTestClient(t, srv)

	started, release := make(chan struct{}), make(chan struct{})
	slowSeed := func(ctx context.Context) ([]byte, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return graph.DefaultWorkbook("Productos")(ctx)
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.ResolveWorkbook(first, "/Apps/shared.xlsx", slowSeed)
		firstErr <- err
	}()
	<-started

	type outcome struct {
		id  string
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		id, err := client.ResolveWorkbook(context.Background(), "/Apps/shared.xlsx", nil)
		second <- outcome{id, err}
	}()

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.NotEmpty(t, got.id)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, 1, srv.Count(http.MethodPut, ":/content"))
}

func TestTemplateWorkbook(t *testing.T) {
	dir := t.TempDir()
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName("Sheet1", "Plantilla"))
	require.NoError(t, f.SaveAs(filepath.Join(dir, "tpl.xlsx")))
	require.NoError(t, f.Close())

	srv := graphtest.NewServer()
	defer srv.Close()
	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	_, err := client.ResolveWorkbook(ctx, "/Apps/a.xlsx", graph.TemplateWorkbook(dir, "tpl.xlsx", "Productos"))
	require.NoError(t, err)
	wb, _ := srv.Workbook("/Apps/a.xlsx")
	assert.Equal(t, []string{"Plantilla"}, wb.Worksheets)

	_, err = client.ResolveWorkbook(ctx, "/Apps/b.xlsx", graph.TemplateWorkbook(dir, "missing.xlsx", "Productos"))
	require.NoError(t, err)
	wb, _ = srv.Workbook("/Apps/b.xlsx")
	assert.Equal(t, []string{"Productos"}, wb.Worksheets)

	raw, err := os.ReadFile(filepath.Join(dir, "tpl.xlsx"))
	require.NoError(t, err)
	wb, _ = srv.Workbook("/Apps/a.xlsx")
	assert.Equal(t, raw, wb.Content, "the template is uploaded unchanged")
}

func TestEnsureTable(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	itemID := srv.AddWorkbook("/Apps/wb.xlsx", "Hoja1")
	client, _ := newTestClient(t, srv)
	ctx := context.Background()
	headers := []string{"id", "nombre", "piso", "estado", "updatedAt"}

	require.NoError(t, client.EnsureTable(ctx, itemID, "Productos", "Tabla_electricas_base", headers))

	assert.Equal(t, 1, srv.Count(http.MethodPost, "/worksheets/add"))
	assert.Equal(t, 1, srv.Count(http.MethodPatch, "range(address='A1:E1')"))
	table, ok := srv.Table("/Apps/wb.xlsx", "Tabla_electricas_base")
	require.True(t, ok)
	assert.Equal(t, headers, table.Headers)
	assert.Equal(t, "Productos", table.Worksheet)

	srv.ResetRequests()
	require.NoError(t, client.EnsureTable(ctx, itemID, "Productos", "Tabla_electricas_base", headers))
	assert.Empty(t, srv.Requests(), "ensured tables are memoized")

	other, _ := newTestClient(t, srv)
	require.NoError(t, other.EnsureTable(ctx, itemID, "Productos", "Tabla_electricas_base", headers))
	assert.Zero(t, srv.Count(http.MethodPatch, "range("), "headers are only written for new tables")
	assert.Zero(t, srv.Count(http.MethodPost, "/tables/add"))
}

func TestRows(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	itemID := srv.AddWorkbook("/Apps/wb.xlsx", "Productos")
	client, _ := newTestClient(t, srv)
	ctx := context.Background()
	require.NoError(t, client.EnsureTable(ctx, itemID, "Productos", "T", []string{"id", "nombre"}))

	require.NoError(t, client.AddRow(ctx, itemID, "T", []string{"p1", "A"}))
	require.NoError(t, client.AddRow(ctx, itemID, "T", []string{"p2", "B"}))
	require.NoError(t, client.UpdateRow(ctx, itemID, "T", 1, []string{"p2", "B2"}))

	rows, err := client.ListRows(ctx, itemID, "T")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "p2", rows[1].FirstCell())
	assert.Equal(t, []any{"p2", "B2"}, rows[1].Values[0])

	require.NoError(t, client.DeleteRow(ctx, itemID, "T", 0))
	rows, err = client.ListRows(ctx, itemID, "T")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, "p2", rows[0].FirstCell())

	assert.True(t, graph.IsNotFound(client.DeleteRow(ctx, itemID, "T", 7)))
}

func TestColumnLetter(t *testing.T) {
	tests := map[int]string{0: "A", 4: "E", 25: "Z", 26: "AA", 51: "AZ", 52: "BA", 701: "ZZ", 702: "AAA"}
	for index, want := range tests {
		assert.Equal(t, want, graph.ColumnLetter(index), "index %d", index)
	}
}

func TestClient_TokenIsReused(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	itemID := srv.AddWorkbook("/Apps/wb.xlsx", "Productos")
	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.WorksheetNames(ctx, itemID)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.TokenCalls())
}

func TestClient_TokenRefreshedNearExpiry(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	srv.TokenTTL = 10 * time.Minute
	itemID := srv.AddWorkbook("/Apps/wb.xlsx", "Productos")

	now := time.Now()
	clock := func() time.Time { return now }
	client, _ := newTestClient(t, srv, graph.WithClock(clock))
	ctx := context.Background()

	_, err := client.WorksheetNames(ctx, itemID)
	require.NoError(t, err)

	now = now.Add(8 * time.Minute)
	_, err = client.WorksheetNames(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.TokenCalls())

	now = now.Add(90 * time.Second)
	_, err = client.WorksheetNames(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.TokenCalls(), "token within the margin of expiry is refreshed")
}

func TestTokenCache_Margin(t *testing.T) {
	expiry := time.Now().Add(5 * time.Minute)
	calls := 0
	cache := graph.NewTokenCache(func(context.Context) (*oauth2.Token, error) {
		calls++
		return &oauth2.Token{AccessToken: "t", Expiry: expiry}, nil
	}, time.Minute)

	tok, err := cache.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t", tok)
	_, _ = cache.AccessToken(context.Background())
	assert.Equal(t, 1, calls)

	cache.Invalidate()
	_, _ = cache.AccessToken(context.Background())
	assert.Equal(t, 2, calls)
}

func TestClient_SharedResourceCache(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	srv.AddWorkbook("/Apps/wb.xlsx", "Productos")

	var (
		mu      sync.Mutex
		fetches int
	)
	fetch := func(context.Context) (*oauth2.Token, error) {
		mu.Lock()
		defer mu.Unlock()
		fetches++
		return &oauth2.Token{AccessToken: "tok-static", Expiry: time.Now().Add(time.Hour)}, nil
	}
	opts := []graph.Option{
		graph.WithResourceCache(graph.NewResourceCache()),
		graph.WithTokenFetcher(fetch),
		graph.WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		graph.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
	}
	first, _ := newTestClient(t, srv, opts...)
	second, _ := newTestClient(t, srv, opts...)
	ctx := context.Background()

	id, err := first.ResolveWorkbook(ctx, "/Apps/wb.xlsx", nil)
	require.NoError(t, err)
	srv.ResetRequests()

	again, err := second.ResolveWorkbook(ctx, "/Apps/wb.xlsx", nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Empty(t, srv.Requests(), "the second client resolves from the shared cache")
	assert.Equal(t, 0, srv.TokenCalls())
	assert.Equal(t, 1, fetches)
}
