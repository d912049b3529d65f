// Package auth provides caller identity and the injected role capability
// used by the market core. Account authentication itself (KYC, passwords)
// lives outside this service; the API only verifies bearer tokens issued by
// the identity service.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Authority answers role questions for administrative and arbitration
// operations. Injected so deployments can swap the static set for their
// own role store.
type Authority interface {
	IsAdmin(account uuid.UUID) bool
	IsArbitrator(account uuid.UUID) bool
}

// StaticAuthority is an Authority backed by fixed account sets, loaded from
// configuration.
type StaticAuthority struct {
	admins      map[uuid.UUID]struct{}
	arbitrators map[uuid.UUID]struct{}
}

// NewStaticAuthority builds a StaticAuthority from account id lists.
// Malformed ids are skipped.
func NewStaticAuthority(admins, arbitrators []string) *StaticAuthority {
	a := &StaticAuthority{
		admins:      make(map[uuid.UUID]struct{}),
		arbitrators: make(map[uuid.UUID]struct{}),
	}
	for _, s := range admins {
		if id, err := uuid.Parse(s); err == nil {
			a.admins[id] = struct{}{}
		}
	}
	for _, s := range arbitrators {
		if id, err := uuid.Parse(s); err == nil {
			a.arbitrators[id] = struct{}{}
		}
	}
	return a
}

func (a *StaticAuthority) IsAdmin(account uuid.UUID) bool {
	_, ok := a.admins[account]
	return ok
}

func (a *StaticAuthority) IsArbitrator(account uuid.UUID) bool {
	_, ok := a.arbitrators[account]
	return ok
}

const accountKey = "account"

// ParseSubject verifies the HMAC-signed token and returns its subject as an
// account id.
func ParseSubject(tokenString, secret string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(sub)
}

// Middleware authenticates requests by bearer token and stores the caller
// account id in the gin context.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing bearer token"}})
			return
		}
		account, err := ParseSubject(strings.TrimPrefix(header, "Bearer "), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "invalid token"}})
			return
		}
		c.Set(accountKey, account)
		c.Next()
	}
}

// Caller returns the authenticated account id from the gin context.
func Caller(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(accountKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
