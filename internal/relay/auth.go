package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"

	"uk.co.dudmesh.waggle/internal/model"
)

const tokenTTL = 24 * time.Hour

func issueToken(userID model.UserID, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": string(userID),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(tokenTTL).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func parseToken(tokenString, secret string) (model.UserID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", model.ErrorInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", model.ErrorInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", model.ErrorInvalidToken
	}
	return model.UserID(sub), nil
}
