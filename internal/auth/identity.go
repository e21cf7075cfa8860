package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"doctorai.vn/medical-consultation/internal/config"
)

// Anonymous is the identity used when no credential is presented. Anonymous
// requests still succeed; their runtime state resolves to the process default.
const Anonymous = "anonymous"

func GenerateJWT(userID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour * 24).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.JWTSecret))
}

// UserFromToken extracts a user id from a bearer token. Tokens of the form
// "mock-<user>" identify that user directly (dev clients); anything else is
// parsed as an HS256 JWT and the "sub" claim is used. Invalid tokens map to
// Anonymous rather than failing the request.
func UserFromToken(tokenString string) string {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Anonymous
	}
	if strings.HasPrefix(tokenString, "mock-") {
		if uid := strings.TrimSpace(strings.TrimPrefix(tokenString, "mock-")); uid != "" {
			return uid
		}
		return Anonymous
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(config.AppConfig.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return Anonymous
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Anonymous
	}
	sub, _ := claims["sub"].(string)
	if sub = strings.TrimSpace(sub); sub != "" {
		return sub
	}
	if uid, _ := claims["user_id"].(string); strings.TrimSpace(uid) != "" {
		return strings.TrimSpace(uid)
	}
	return Anonymous
}

// UserFromAuthHeader resolves the identity behind an Authorization header.
func UserFromAuthHeader(header string) string {
	if header == "" {
		return Anonymous
	}
	if strings.HasPrefix(header, "Bearer ") {
		return UserFromToken(strings.TrimPrefix(header, "Bearer "))
	}
	return Anonymous
}
