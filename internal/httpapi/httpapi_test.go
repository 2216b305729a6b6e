package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeController struct {
	filling     bool
	manualErr   error
	abortErr    error
	manualCalls int
	abortCalls  int
}

func (f *fakeController) Filling() bool { return f.filling }
func (f *fakeController) ManualFill(ctx context.Context, clearLock, dryRun bool) error {
	f.manualCalls++
	return f.manualErr
}
func (f *fakeController) Abort(ctx context.Context, wait bool) error {
	f.abortCalls++
	return f.abortErr
}

func TestPing(t *testing.T) {
	ctrl := &fakeController{}
	r, err := NewRouter(zap.NewNop(), ctrl, Options{Dev: true})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}

func TestFillingReflectsController(t *testing.T) {
	ctrl := &fakeController{filling: true}
	r, err := NewRouter(zap.NewNop(), ctrl, Options{Dev: true})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/filling", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"filling": true}`, w.Body.String())
}

func TestManualFillWithoutPasswordGate(t *testing.T) {
	ctrl := &fakeController{}
	r, err := NewRouter(zap.NewNop(), ctrl, Options{Dev: true})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/manual-fill?dry_run=true", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, ctrl.manualCalls)
}

func TestAbort(t *testing.T) {
	ctrl := &fakeController{}
	r, err := NewRouter(zap.NewNop(), ctrl, Options{Dev: true})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/abort?wait=true", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ctrl.abortCalls)
}

func TestManualFillSurfacesControllerError(t *testing.T) {
	ctrl := &fakeController{manualErr: assertErr("lock exists")}
	r, err := NewRouter(zap.NewNop(), ctrl, Options{Dev: true})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/manual-fill", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
