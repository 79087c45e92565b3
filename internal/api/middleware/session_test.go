package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCookie = "archmind_session"

func sessionRouter() *gin.Engine {
	router := gin.New()
	router.Use(Session(testCookie))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, GetSessionID(c))
	})
	return router
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == testCookie {
			return c
		}
	}
	return nil
}

func TestSession_IssuesCookie(t *testing.T) {
	w := httptest.NewRecorder()
	sessionRouter().ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	id := w.Body.String()
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	cookie := sessionCookie(w)
	require.NotNil(t, cookie)
	assert.Equal(t, id, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, id, w.Header().Get(SessionHeader))
}

func TestSession_ReusesCookie(t *testing.T) {
	existing := uuid.NewString()
	req := httptest.NewRequest("GET", "/test", nil)
	req.AddCookie(&http.Cookie{Name: testCookie, Value: existing})

	w := httptest.NewRecorder()
	sessionRouter().ServeHTTP(w, req)

	assert.Equal(t, existing, w.Body.String())
	assert.Nil(t, sessionCookie(w))
}

func TestSession_HeaderWins(t *testing.T) {
	fromHeader := uuid.NewString()
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(SessionHeader, fromHeader)
	req.AddCookie(&http.Cookie{Name: testCookie, Value: uuid.NewString()})

	w := httptest.NewRecorder()
	sessionRouter().ServeHTTP(w, req)

	assert.Equal(t, fromHeader, w.Body.String())
}

func TestSession_ReplacesMalformedID(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.AddCookie(&http.Cookie{Name: testCookie, Value: "not-a-uuid"})

	w := httptest.NewRecorder()
	sessionRouter().ServeHTTP(w, req)

	assert.NotEqual(t, "not-a-uuid", w.Body.String())
	require.NotNil(t, sessionCookie(w))
}
