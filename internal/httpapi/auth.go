package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
)

// RoleAdmin — роль администратора в токене доступа.
const RoleAdmin = "admin"

const principalKey = "marketplace.principal"

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Principal — аутентифицированный пользователь запроса.
type Principal struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// IsAdmin сообщает, есть ли у пользователя роль администратора.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Claims — полезная нагрузка токена доступа.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig задаёт параметры проверки токенов.
type AuthConfig struct {
	Secret    string
	Algorithm string
	// MaxAge ограничивает возраст токена по iat; ноль отключает проверку.
	MaxAge time.Duration
}

// Authenticator проверяет и выпускает токены доступа.
type Authenticator struct {
	secret []byte
	method jwt.SigningMethod
	maxAge time.Duration
	clock  clock.Clock
}

// NewAuthenticator создаёт проверку токенов; поддерживаются HS256/HS384/HS512.
func NewAuthenticator(cfg AuthConfig, c clock.Clock) (*Authenticator, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	alg := strings.ToUpper(strings.TrimSpace(cfg.Algorithm))
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.Algorithm)
	}
	return &Authenticator{
		secret: []byte(cfg.Secret),
		method: method,
		maxAge: cfg.MaxAge,
		clock:  clock.OrDefault(c),
	}, nil
}

// Parse проверяет подпись и сроки токена.
func (a *Authenticator) Parse(raw string) (Principal, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{a.method.Alg()}))
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}

	if a.maxAge > 0 && claims.IssuedAt != nil && a.clock.Now().Sub(claims.IssuedAt.Time) > a.maxAge {
		return Principal{}, fmt.Errorf("%w: token too old", errInvalidToken)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Principal{}, fmt.Errorf("%w: subject is empty", errInvalidToken)
	}
	return Principal{UserID: userID, Role: claims.Role}, nil
}

// Issue выпускает токен; используется CLI и тестами.
func (a *Authenticator) Issue(p Principal, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		UserID: p.UserID,
		Role:   p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.UserID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(a.method, claims).SignedString(a.secret)
}

// Authenticate требует заголовок Authorization: Bearer <token>.
func Authenticate(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeStatus(c, http.StatusUnauthorized, codeUnauthorized, errMissingToken.Error())
			return
		}

		principal, err := a.Parse(strings.TrimSpace(raw))
		if err != nil {
			loggerFrom(c).WithError(err).Debug("token rejected")
			writeStatus(c, http.StatusUnauthorized, codeUnauthorized, errInvalidToken.Error())
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireAdmin пропускает только администраторов.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !principalFrom(c).IsAdmin() {
			writeStatus(c, http.StatusForbidden, codeForbidden, "admin role required")
			return
		}
		c.Next()
	}
}

func principalFrom(c *gin.Context) Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(Principal); ok {
			return p
		}
	}
	return Principal{}
}
