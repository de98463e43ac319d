package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/sceneindex/internal/db"
)

const testSecret = "0123456789abcdef-test"

func TestTokenManager_IssueAndVerify(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour)
	user := db.NewUUID()

	token, err := tm.Issue(user)
	require.NoError(t, err)

	got, err := tm.Verify(token)
	require.NoError(t, err)
	require.Equal(t, user, got)
}

func TestTokenManager_Verify_Reasons(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour)
	user := db.NewUUID()

	t.Run("expired", func(t *testing.T) {
		issuer := NewTokenManager(testSecret, time.Minute)
		issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, err := issuer.Issue(user)
		require.NoError(t, err)

		_, err = tm.Verify(token)
		var ae *Error
		require.ErrorAs(t, err, &ae)
		require.Equal(t, ReasonExpiredToken, ae.Reason)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewTokenManager("another-secret-entirely", time.Hour).Issue(user)
		require.NoError(t, err)

		_, err = tm.Verify(token)
		var ae *Error
		require.ErrorAs(t, err, &ae)
		require.Equal(t, ReasonInvalidToken, ae.Reason)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tm.Verify("not-a-jwt")
		var ae *Error
		require.ErrorAs(t, err, &ae)
		require.Equal(t, ReasonInvalidToken, ae.Reason)
	})
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := BearerToken(req)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, ReasonNoToken, ae.Reason)

	req.Header.Set("Authorization", "Basic abc")
	_, err = BearerToken(req)
	require.ErrorAs(t, err, &ae)
	require.Equal(t, ReasonInvalidToken, ae.Reason)

	req.Header.Set("Authorization", "bearer  abc.def ")
	token, err := BearerToken(req)
	require.NoError(t, err)
	require.Equal(t, "abc.def", token)
}

type userMap map[pgtype.UUID]*db.User

func (m userMap) GetUserByID(ctx context.Context, id pgtype.UUID) (*db.User, error) {
	if u, ok := m[id]; ok {
		return u, nil
	}
	return nil, pgx.ErrNoRows
}

func TestRequireUser(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour)
	known, disabled, missing := db.NewUUID(), db.NewUUID(), db.NewUUID()
	users := userMap{
		known:    {ID: known, Email: "ops@example.com", Enabled: true},
		disabled: {ID: disabled, Email: "old@example.com", Enabled: false},
	}

	e := echo.New()
	e.GET("/internal/ping", func(c echo.Context) error {
		id, ok := CurrentUser(c)
		require.True(t, ok)
		return c.String(http.StatusOK, db.UUIDString(id))
	}, RequireUser(tm, users))

	call := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/internal/ping", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}
	reasonOf := func(rec *httptest.ResponseRecorder) string {
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "unauthorized", body["error"])
		return body["reason"]
	}
	bearer := func(id pgtype.UUID) string {
		token, err := tm.Issue(id)
		require.NoError(t, err)
		return "Bearer " + token
	}

	rec := call(bearer(known))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, db.UUIDString(known), rec.Body.String())

	for name, tc := range map[string]struct {
		header string
		reason string
	}{
		"no token":      {"", ReasonNoToken},
		"invalid token": {"Bearer nope", ReasonInvalidToken},
		"unknown user":  {bearer(missing), ReasonUserNotFound},
		"disabled user": {bearer(disabled), ReasonUserNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			rec := call(tc.header)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Equal(t, tc.reason, reasonOf(rec))
		})
	}
}
