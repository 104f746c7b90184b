package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/autostop/internal/api"
	"github.com/hugo-lorenzo-mato/autostop/internal/app"
	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/testutil"
)

func post(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	res, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res.StatusCode, body
}

func TestAdminAPI_SuspendAndResume(t *testing.T) {
	h := testutil.NewHarness(t, testutil.HarnessOptions{Rules: 2})
	srv := httptest.NewServer(api.NewServer(h.App).Handler())
	t.Cleanup(srv.Close)

	status, body := post(t, srv.URL+"/api/v1/idle-check?dry_run=true")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "idle", body["decision"])
	assert.True(t, h.Stash(t).IsEmpty())

	status, body = post(t, srv.URL+"/api/v1/suspend")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["rules"])

	status, body = post(t, srv.URL+"/api/v1/suspend")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, core.CodeStashNotEmpty, body["code"])

	res, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	var st app.Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	_ = res.Body.Close()
	assert.True(t, st.Resume.Stashed)
	assert.False(t, st.Armed)
	require.NotNil(t, st.Replicas)
	assert.Equal(t, int32(0), *st.Replicas)

	status, body = post(t, srv.URL+"/api/v1/resume")
	assert.Equal(t, http.StatusAccepted, status)
	assert.NotEmpty(t, body["execution_id"])
	h.App.Engine.Wait()

	assert.True(t, h.Stash(t).IsEmpty())
	status, body = post(t, srv.URL+"/api/v1/reconcile")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["restarted"])
}
