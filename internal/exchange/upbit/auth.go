package upbit

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// authToken собирает одноразовый JWT для запроса: свежий nonce на каждый
// вызов, для запросов с параметрами — SHA512-хэш строки запроса. Токены
// не кэшируются.
func (c *Client) authToken(query url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.New().String(),
	}

	if len(query) > 0 {
		hash := sha512.Sum512([]byte(query.Encode()))
		claims["query_hash"] = hex.EncodeToString(hash[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.secretKey))
	if err != nil {
		return "", fmt.Errorf("Не удалось подписать токен: %w", err)
	}

	return "Bearer " + signed, nil
}
