package prom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

const query = `sum(increase(http_requests_total{service="$target"}[$window]))`

type fakeServer struct {
	mu      sync.Mutex
	queries []string
	status  int
	body    string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	f.queries = append(f.queries, r.Form.Get("query"))
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newSource(t *testing.T, status int, body string) (*Source, *fakeServer) {
	t.Helper()
	fake := &fakeServer{status: status, body: body}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(Config{URL: srv.URL, Query: query, Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	return s, fake
}

func TestRequestCount(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    float64
		wantErr bool
	}{
		{
			name:   "vector is summed",
			status: http.StatusOK,
			body:   `{"status":"success","data":{"resultType":"vector","result":[{"metric":{"pod":"a"},"value":[1700000000,"3"]},{"metric":{"pod":"b"},"value":[1700000000,"1.5"]}]}}`,
			want:   4.5,
		},
		{
			name:   "empty vector is idle",
			status: http.StatusOK,
			body:   `{"status":"success","data":{"resultType":"vector","result":[]}}`,
			want:   0,
		},
		{
			name:   "scalar",
			status: http.StatusOK,
			body:   `{"status":"success","data":{"resultType":"scalar","result":[1700000000,"7"]}}`,
			want:   7,
		},
		{
			name:    "NaN is uncertain",
			status:  http.StatusOK,
			body:    `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"NaN"]}]}}`,
			wantErr: true,
		},
		{
			name:    "matrix is rejected",
			status:  http.StatusOK,
			body:    `{"status":"success","data":{"resultType":"matrix","result":[]}}`,
			wantErr: true,
		},
		{
			name:    "server error",
			status:  http.StatusBadRequest,
			body:    `{"status":"error","errorType":"bad_data","error":"parse error"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newSource(t, tt.status, tt.body)
			end := time.Unix(1_700_000_000, 0)

			got, err := s.RequestCount(context.Background(), "shop", end.Add(-15*time.Minute), end)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, core.IsRetryable(err))
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRequestCount_ExpandsTemplate(t *testing.T) {
	s, fake := newSource(t, http.StatusOK, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	end := time.Unix(1_700_000_000, 0)

	_, err := s.RequestCount(context.Background(), "shop-api", end.Add(-15*time.Minute), end)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.queries, 1)
	assert.Equal(t, `sum(increase(http_requests_total{service="shop-api"}[15m]))`, fake.queries[0])
}

func TestExpand(t *testing.T) {
	s := NewWithAPI(nil, Config{Query: query}, nil)
	assert.Equal(t, `sum(increase(http_requests_total{service="web"}[1h30m]))`, s.Expand("web", 90*time.Minute))
}
