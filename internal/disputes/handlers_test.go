package disputes_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/disputes"
	"github.com/mbd888/escrowd/internal/escrow"
)

func setupRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := disputes.NewHandler(h.disputes)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			role := auth.RoleUser
			if id == admin.ID {
				role = auth.RoleAdmin
			}
			c.Set(auth.ContextKeyActor, auth.Actor{ID: id, Role: role})
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(v1.Group("", auth.RequireAuth()))
	handler.RegisterAdminRoutes(v1.Group("", auth.RequireAdmin()))
	return r
}

func send(r *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_DisputeFlow(t *testing.T) {
	h := newHarness(t)
	h.saveAccount(t, buyer.ID)
	r := setupRouter(h)
	e := h.paidEscrow(t, 3000)

	w := send(r, http.MethodPost, "/v1/disputes", buyer.ID, disputes.CreateRequest{
		EscrowID: e.ID, Reason: reason, Description: description,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Dispute disputes.Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = send(r, http.MethodGet, "/v1/disputes/"+created.Dispute.ID, stranger.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = send(r, http.MethodPost, "/v1/disputes/"+created.Dispute.ID+"/resolve", buyer.ID, disputes.ResolveRequest{
		Resolution: disputes.FavorBuyer, AdminNotes: notes,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = send(r, http.MethodPost, "/v1/disputes/"+created.Dispute.ID+"/resolve", admin.ID, disputes.ResolveRequest{
		Resolution: disputes.FavorBuyer, AdminNotes: notes,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	h.drain(t)
	assert.Equal(t, escrow.StateCancelled, h.escrowState(t, e.ID))

	w = send(r, http.MethodGet, "/v1/escrow/"+e.ID+"/disputes", seller.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Disputes []disputes.Dispute `json:"disputes"`
		Count    int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, disputes.StatusResolved, list.Disputes[0].Status)

	w = send(r, http.MethodGet, "/v1/admin/disputes?status=resolved", admin.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_CreateErrors(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h)

	w := send(r, http.MethodPost, "/v1/disputes", "", disputes.CreateRequest{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send(r, http.MethodPost, "/v1/disputes", buyer.ID, disputes.CreateRequest{EscrowID: "esc_missing", Reason: reason, Description: description})
	assert.Equal(t, http.StatusNotFound, w.Code)

	e := h.paidEscrow(t, 100)
	h.open(t, e, buyer)
	w = send(r, http.MethodPost, "/v1/disputes", seller.ID, disputes.CreateRequest{EscrowID: e.ID, Reason: reason, Description: description})
	assert.Equal(t, http.StatusConflict, w.Code)
}
