package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mossy-p/roomserver/internal/models"
)

const (
	audienceAuth = "auth"
	audienceRoom = "room"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleAdmin, RoleUser, RoleGuest:
		return r, true
	}
	return "", false
}

// AuthClaims identify a caller and the role it acts with.
type AuthClaims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// RoomClaims bind the right to create or join one room id.
type RoomClaims struct {
	RoomID     string `json:"roomId"`
	TrackingID string `json:"trackingId,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies auth and room tokens. It holds no state beyond the
// secret and is safe for concurrent use.
type Service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewService(secret string) *Service {
	return &Service{
		secret: []byte(secret),
		issuer: "roomserver",
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueAuthToken signs claims. The token never expires when expiresIn is not positive.
func (s *Service) IssueAuthToken(claims AuthClaims, expiresIn time.Duration) (string, error) {
	if _, ok := ParseRole(string(claims.Role)); !ok {
		return "", models.NewError(models.CodeInvalidToken, "unknown role %q", claims.Role)
	}
	claims.RegisteredClaims = s.registered(audienceAuth, claims.Username, expiresIn)
	return s.sign(claims)
}

func (s *Service) VerifyAuthToken(token string) (*AuthClaims, error) {
	claims := &AuthClaims{}
	if err := s.parse(token, claims, audienceAuth); err != nil {
		return nil, err
	}
	if _, ok := ParseRole(string(claims.Role)); !ok {
		return nil, models.NewError(models.CodeInvalidToken, "token carries no valid role")
	}
	return claims, nil
}

// IssueRoomToken mints a token for roomID, generating a fresh room id when it is empty.
func (s *Service) IssueRoomToken(roomID, trackingID string, expiresIn time.Duration) (*RoomClaims, string, error) {
	if roomID == "" {
		roomID = uuid.New().String()
	}
	claims := &RoomClaims{
		RoomID:           roomID,
		TrackingID:       trackingID,
		RegisteredClaims: s.registered(audienceRoom, roomID, expiresIn),
	}
	token, err := s.sign(claims)
	if err != nil {
		return nil, "", err
	}
	return claims, token, nil
}

func (s *Service) VerifyRoomToken(token string) (*RoomClaims, error) {
	claims := &RoomClaims{}
	if err := s.parse(token, claims, audienceRoom); err != nil {
		return nil, err
	}
	if claims.RoomID == "" {
		return nil, models.NewError(models.CodeInvalidToken, "room token carries no room id")
	}
	return claims, nil
}

// VerifyRoomTokenForRoom succeeds only when the token is valid and names exactly roomID.
func (s *Service) VerifyRoomTokenForRoom(token, roomID string) (*RoomClaims, error) {
	claims, err := s.VerifyRoomToken(token)
	if err != nil {
		return nil, err
	}
	if roomID == "" || claims.RoomID != roomID {
		return nil, models.NewError(models.CodeInvalidToken, "room token is not valid for room %q", roomID)
	}
	return claims, nil
}

func (s *Service) registered(audience, subject string, expiresIn time.Duration) jwt.RegisteredClaims {
	now := s.now()
	rc := jwt.RegisteredClaims{
		Issuer:   s.issuer,
		Subject:  subject,
		Audience: jwt.ClaimStrings{audience},
		IssuedAt: jwt.NewNumericDate(now),
		ID:       uuid.New().String(),
	}
	if expiresIn > 0 {
		rc.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))
	}
	return rc
}

func (s *Service) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

func (s *Service) parse(token string, claims jwt.Claims, audience string) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return models.NewError(models.CodeInvalidToken, "invalid token: %v", err)
	}
	if !parsed.Valid {
		return models.ErrInvalidToken
	}
	return nil
}
