package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", nil, 5*time.Second, func() string { return token })
}

func TestPush(t *testing.T) {
	var got PushRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathPush, r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}, "tok")

	op := models.OutboxOperation{
		ID:         "op-1",
		Timestamp:  123,
		Collection: models.CollectionArticles,
		Operation:  models.OperationUpdate,
		RecordID:   "a1",
		Data:       json.RawMessage(`{"price":"15"}`),
	}
	require.NoError(t, c.Push(context.Background(), NewPushRequest(op)))

	assert.Equal(t, "op-1", got.OperationID)
	assert.Equal(t, "a1", got.RecordID)
	assert.Equal(t, int64(123), got.Timestamp)
	assert.JSONEq(t, `{"price":"15"}`, string(got.Data))
}

func TestPushErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   apperrors.ErrorCode
	}{
		{"server error", http.StatusInternalServerError, apperrors.ErrHTTP},
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrAuth},
		{"validation", http.StatusBadRequest, apperrors.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}, "tok")

			err := c.Push(context.Background(), PushRequest{OperationID: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))

			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.status, appErr.Status)
		})
	}
}

func TestPushWithoutToken(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true }, "")

	err := c.Push(context.Background(), PushRequest{OperationID: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrAuth))
	assert.False(t, called, "no request is sent without a token")
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(srv.URL, nil, time.Second, func() string { return "tok" })

	err := c.Push(context.Background(), PushRequest{OperationID: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
}

func TestInitialAndDelta(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathInitial:
			w.Write([]byte(`{"deposits":[],"articles":[{"id":"a1","price":"10","updatedAt":5}],"contacts":[],"sales":[],"syncedAt":100}`))
		case PathDelta:
			assert.Equal(t, "100", r.URL.Query().Get("since"))
			w.Write([]byte(`{"articles":[{"id":"a1","price":"15","updatedAt":150}],"syncedAt":200}`))
		default:
			http.NotFound(w, r)
		}
	}, "tok")
	ctx := context.Background()

	snap, err := c.Initial(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.SyncedAt)
	require.Len(t, snap.Articles, 1)
	assert.Equal(t, "10", snap.Articles[0].Price.String())

	snap, err = c.Delta(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(200), snap.SyncedAt)
	assert.Equal(t, "15", snap.Articles[0].Price.String())
}

func TestSnapshotParseErrors(t *testing.T) {
	for name, body := range map[string]string{
		"malformed":   `{"articles":`,
		"no syncedAt": `{"articles":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}, "tok")
			_, err := c.Initial(context.Background())
			assert.True(t, apperrors.Is(err, apperrors.ErrParse))
		})
	}
}

func TestPingNeedsNoToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"ok","timestamp":42}`))
	}, "")

	p, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", p.Status)
	assert.Equal(t, int64(42), p.Timestamp)
}
