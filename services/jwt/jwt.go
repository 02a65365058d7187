package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/pkg/errors"
)

const AccessTokenValidity = 24 * time.Hour

// GenerateToken signs an access token for the given user.
func GenerateToken(userID, email, secret string, validity time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"email":   email,
		"iat":     now.Unix(),
		"exp":     now.Add(validity).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "signing access token")
	}
	return signed, nil
}

// ValidateAndGetClaims checks the token signature and expiry and returns its
// claims.
func ValidateAndGetClaims(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// UserFromClaims extracts the user id and email from access token claims.
func UserFromClaims(claims jwt.MapClaims) (string, string, error) {
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return "", "", errors.New("token has no user_id")
	}
	email, _ := claims["email"].(string)
	return userID, email, nil
}
