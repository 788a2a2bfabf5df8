package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	j := NewJWT("secret", time.Hour)

	token, exp, err := j.Sign(Claims{WorkstationID: 3})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := j.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, 3, claims.WorkstationID)
	assert.Equal(t, RoleTerminal, claims.Role)
	assert.Equal(t, "workstation-3", claims.Subject)
	assert.Equal(t, issuer, claims.Issuer)
}

func TestVerifyRejects(t *testing.T) {
	j := NewJWT("secret", time.Hour)
	token, _, err := j.Sign(Claims{WorkstationID: 1})
	require.NoError(t, err)

	_, err = NewJWT("other", time.Hour).Verify(token)
	assert.Error(t, err, "wrong secret")

	expired := j
	expired.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = expired.Verify(token)
	assert.Error(t, err, "expired")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer}})
	s, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = j.Verify(s)
	assert.Error(t, err, "alg none")

	_, _, err = NewJWT("", time.Hour).Sign(Claims{})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	j := NewJWT("secret", time.Hour)
	token, _, err := j.Sign(Claims{WorkstationID: 7})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/p", Middleware(j), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"ws": claims.WorkstationID})
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/p", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"ws":7}`, w.Body.String())
			}
		})
	}
}
