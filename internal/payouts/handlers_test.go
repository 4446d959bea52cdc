package payouts_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/payouts"
)

func setupRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := payouts.NewHandler(f.mem, f.executor, f.escrows)

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
	h.RegisterProtectedRoutes(v1.Group("", auth.RequireAuth()))
	h.RegisterAdminRoutes(v1.Group("", auth.RequireAdmin()))
	return r
}

func call(r *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_PayoutAccount(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w := call(r, http.MethodGet, "/v1/me/payout-account", seller.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(r, http.MethodPut, "/v1/me/payout-account", seller.ID, payouts.SaveAccountRequest{AccountName: "Kemi Ade"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodPut, "/v1/me/payout-account", seller.ID, payouts.SaveAccountRequest{
		Gateway: "venmo", AccountName: "Kemi Ade", BankCode: "044", AccountNumber: "0690000031",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodPut, "/v1/me/payout-account", seller.ID, payouts.SaveAccountRequest{
		Gateway: "Paystack", AccountName: "Kemi Ade", BankCode: "044", AccountNumber: "0690000031",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(r, http.MethodGet, "/v1/me/payout-account", seller.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Account payouts.Account `json:"account"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, gateways.Paystack, resp.Account.Gateway)
	assert.Equal(t, seller.ID, resp.Account.UserID)
}

func TestHandler_ListAndRetry(t *testing.T) {
	f := newFixture(t)
	f.saveSellerAccount(t)
	r := setupRouter(f)
	e := f.released(t)

	w := call(r, http.MethodGet, "/v1/escrow/"+e.ID+"/payouts", seller.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Payouts []payouts.Payout `json:"payouts"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	id := list.Payouts[0].ID

	w = call(r, http.MethodGet, "/v1/escrow/"+e.ID+"/payouts", "usr_other", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(r, http.MethodPost, "/v1/admin/payouts/"+id+"/retry", admin.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "pending payout cannot be retried")

	require.NoError(t, f.mem.FailPayout(t.Context(), id, "bank offline", time.Now().UTC()))
	w = call(r, http.MethodPost, "/v1/admin/payouts/"+id+"/retry", seller.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = call(r, http.MethodPost, "/v1/admin/payouts/"+id+"/retry", admin.ID, nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}
