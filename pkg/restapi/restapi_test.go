package restapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/feature"
)

type noopImpl struct{}

func (noopImpl) First(ctx context.Context, a *action.Action) (bool, error)  { return true, nil }
func (noopImpl) Next(ctx context.Context, a *action.Action) (bool, error)   { return true, nil }

func factory(desc action.Description) (action.Impl, error) {
	if desc.Name() != action.KindCreateDatabase {
		return nil, assert.AnError
	}
	return noopImpl{}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *feature.Feature) {
	t.Helper()
	feat := feature.New()
	h := NewHandler(feat, factory)
	mux := http.NewServeMux()
	h.Register(mux)
	return httptest.NewServer(mux), feat
}

func TestListEmptyRegistry(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/actions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateActionThenList(t *testing.T) {
	srv, feat := newTestServer(t)
	defer srv.Close()

	body := bytes.NewBufferString(`{"name":"CreateDatabase","database":"d1"}`)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/admin/actions", body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, feat.Snapshot(), 1)
}

func TestCreateActionRejectsDuplicate(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	do := func() *http.Response {
		body := bytes.NewBufferString(`{"name":"CreateDatabase","database":"d1"}`)
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/admin/actions", body)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}
	first := do()
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := do()
	defer second.Body.Close()
	assert.Equal(t, http.StatusBadRequest, second.StatusCode)
}

func TestCreateActionRejectsUnknownKind(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body := bytes.NewBufferString(`{"name":"NotAKind"}`)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/admin/actions", body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCollectionMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/admin/actions", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDeleteForcesFailed(t *testing.T) {
	srv, feat := newTestServer(t)
	defer srv.Close()

	desc := action.NewDescription(map[string]string{
		action.KeyName:     string(action.KindCreateDatabase),
		action.KeyDatabase: "d2",
	}, nil, action.PriorityNormal, false)
	a := feat.AddAction(desc, noopImpl{}, false)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/admin/actions/"+strconv.FormatUint(a.ID(), 10), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, action.StateFailed, a.GetState())
}

func TestDeleteUnknownIDIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/admin/actions/999999", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
