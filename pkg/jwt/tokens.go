package jwt

import (
	"errors"
	"strconv"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "hostingtele"

// ErrExpired is returned by Parse when the token signature is valid but its
// expiry has passed.
var ErrExpired = errors.New("jwt: token expired")

// Claims defines the session payload. The subject carries the Telegram user id
// as a decimal string; TelegramID duplicates it in numeric form.
type Claims struct {
	TelegramID int64 `json:"telegram_id"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed session token for the Telegram user.
func GenerateToken(telegramID int64, secret string, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		TelegramID: telegramID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(telegramID, 10),
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token against the wall clock.
func Parse(token string, secret string) (*Claims, error) {
	return ParseAt(token, secret, time.Now)
}

// ParseAt is Parse with expiry and issued-at checks evaluated against now.
func ParseAt(token string, secret string, now func() time.Time) (*Claims, error) {
	if now == nil {
		now = time.Now
	}
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(now),
	)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	if claims.TelegramID <= 0 || claims.Subject != strconv.FormatInt(claims.TelegramID, 10) {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
