package contacts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ageniuscoder/gymchat/internal/auth"
	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestListContacts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st, err := storage.Open("file:" + filepath.Join(t.TempDir(), "contacts.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	defer st.Close()

	ctx := context.Background()
	mk := func(name, display string) storage.User {
		u, err := st.CreateUser(ctx, storage.User{Username: name, DisplayName: display, PasswordHash: "x"})
		require.NoError(t, err)
		return u
	}
	me, coach, buddy := mk("me", ""), mk("coach", "Coach Kim"), mk("buddy", "")
	mk("stranger", "")

	base := time.Now().Add(-time.Hour)
	for i, m := range []storage.Message{
		{FromUserID: coach.ID, ToUserID: me.ID, Content: "warm up first", CreatedAt: base},
		{FromUserID: me.ID, ToUserID: buddy.ID, Content: "gym at 7?", CreatedAt: base.Add(time.Minute)},
		{FromUserID: me.ID, ToUserID: coach.ID, ImageURL: "/uploads/a.png", CreatedAt: base.Add(2 * time.Minute)},
	} {
		_, err := st.SaveMessage(ctx, m)
		require.NoError(t, err, i)
	}

	r := gin.New()
	api := r.Group("/api")
	api.Use(auth.JWTMiddleware("k"))
	NewService(st, nil).Register(api)

	get := func(as int64, path string) *httptest.ResponseRecorder {
		tok, err := auth.NewToken("k", as, 5)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get(me.ID, "/api/contacts/"+strconv.FormatInt(me.ID, 10))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Data []item `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Data, 2)
	require.Equal(t, coach.ID, out.Data[0].UserID)
	require.Equal(t, "Coach Kim", out.Data[0].DisplayName)
	require.Equal(t, "[image]", out.Data[0].LastMessage)
	require.Equal(t, "gym at 7?", out.Data[1].LastMessage)

	w = get(me.ID, "/api/contacts/"+strconv.FormatInt(coach.ID, 10))
	require.Equal(t, http.StatusForbidden, w.Code)
	w = get(me.ID, "/api/contacts/abc")
	require.Equal(t, http.StatusBadRequest, w.Code)
}
