package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/models"
)

func TestAuthToken(t *testing.T) {
	svc := auth.NewService("secret")

	t.Run("round trip", func(t *testing.T) {
		for _, role := range []auth.Role{auth.RoleAdmin, auth.RoleUser, auth.RoleGuest} {
			token, err := svc.IssueAuthToken(auth.AuthClaims{Username: "alice", Role: role}, 5*time.Minute)
			require.NoError(t, err)
			assert.Len(t, strings.Split(token, "."), 3)

			claims, err := svc.VerifyAuthToken(token)
			require.NoError(t, err)
			assert.Equal(t, "alice", claims.Username)
			assert.Equal(t, role, claims.Role)
			assert.NotNil(t, claims.ExpiresAt)
		}
	})

	t.Run("no expiry when not requested", func(t *testing.T) {
		token, err := svc.IssueAuthToken(auth.AuthClaims{Username: "bob", Role: auth.RoleUser}, 0)
		require.NoError(t, err)
		claims, err := svc.VerifyAuthToken(token)
		require.NoError(t, err)
		assert.Nil(t, claims.ExpiresAt)
	})

	t.Run("other key fails", func(t *testing.T) {
		token, err := auth.NewService("other").IssueAuthToken(auth.AuthClaims{Username: "eve", Role: auth.RoleAdmin}, 0)
		require.NoError(t, err)
		_, err = svc.VerifyAuthToken(token)
		require.ErrorIs(t, err, models.ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		past := auth.NewService("secret").WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
		token, err := past.IssueAuthToken(auth.AuthClaims{Username: "carol", Role: auth.RoleUser}, time.Minute)
		require.NoError(t, err)
		_, err = svc.VerifyAuthToken(token)
		require.ErrorIs(t, err, models.ErrInvalidToken)
	})

	t.Run("unknown role cannot be issued", func(t *testing.T) {
		_, err := svc.IssueAuthToken(auth.AuthClaims{Username: "dave", Role: "root"}, 0)
		require.ErrorIs(t, err, models.ErrInvalidToken)
	})

	t.Run("missing role fails verification", func(t *testing.T) {
		// hand-signed token with the right audience but no role claim
		claims := jwt.MapClaims{"username": "mallory", "aud": []string{"auth"}, "iss": "roomserver"}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = svc.VerifyAuthToken(token)
		require.ErrorIs(t, err, models.ErrInvalidToken)
	})

	t.Run("unsigned token fails", func(t *testing.T) {
		claims := jwt.MapClaims{"username": "mallory", "role": "admin", "aud": []string{"auth"}, "iss": "roomserver"}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.VerifyAuthToken(token)
		require.ErrorIs(t, err, models.ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.VerifyAuthToken("not-a-token")
		require.ErrorIs(t, err, models.ErrInvalidToken)
	})
}

func TestRoomToken(t *testing.T) {
	svc := auth.NewService("secret")

	t.Run("generates a room id when absent", func(t *testing.T) {
		claims, token, err := svc.IssueRoomToken("", "track-1", 0)
		require.NoError(t, err)
		require.NotEmpty(t, claims.RoomID)
		require.Equal(t, "track-1", claims.TrackingID)

		verified, err := svc.VerifyRoomTokenForRoom(token, claims.RoomID)
		require.NoError(t, err)
		require.Equal(t, claims.RoomID, verified.RoomID)
		require.Equal(t, "track-1", verified.TrackingID)
	})

	t.Run("binding", func(t *testing.T) {
		_, token, err := svc.IssueRoomToken("room-abc", "", time.Minute)
		require.NoError(t, err)

		_, err = svc.VerifyRoomTokenForRoom(token, "room-abc")
		require.NoError(t, err)

		for _, other := range []string{"room-abd", "room-ab", "moor-abc", "room-abc ", ""} {
			_, err = svc.VerifyRoomTokenForRoom(token, other)
			require.ErrorIs(t, err, models.ErrInvalidToken, other)
		}
	})

	t.Run("token kinds do not mix", func(t *testing.T) {
		_, roomToken, err := svc.IssueRoomToken("room-1", "", 0)
		require.NoError(t, err)
		_, err = svc.VerifyAuthToken(roomToken)
		require.ErrorIs(t, err, models.ErrInvalidToken)

		authToken, err := svc.IssueAuthToken(auth.AuthClaims{Username: "alice", Role: auth.RoleUser}, 0)
		require.NoError(t, err)
		_, err = svc.VerifyRoomToken(authToken)
		require.ErrorIs(t, err, models.ErrInvalidToken)
	})

	t.Run("other key fails", func(t *testing.T) {
		_, token, err := auth.NewService("other").IssueRoomToken("room-1", "", 0)
		require.NoError(t, err)
		_, err = svc.VerifyRoomTokenForRoom(token, "room-1")
		require.ErrorIs(t, err, models.ErrInvalidToken)
	})
}

func TestParseRole(t *testing.T) {
	r, ok := auth.ParseRole("guest")
	require.True(t, ok)
	require.Equal(t, auth.RoleGuest, r)

	_, ok = auth.ParseRole("superuser")
	require.False(t, ok)
}
