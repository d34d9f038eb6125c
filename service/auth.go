package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zlnvch/boardsync/models"
)

const tokenLifetime = 24 * time.Hour

// IdentityResolver turns a bearer token into the caller's identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (models.Identity, error)
}

// JWTResolver validates HS256 tokens with "sub" and "name" claims.
type JWTResolver struct {
	secret []byte
	now    func() time.Time
}

func NewJWTResolver(secret []byte) *JWTResolver {
	return &JWTResolver{secret: secret, now: time.Now}
}

func (r *JWTResolver) CreateJWT(userId string, displayName string) (string, error) {
	now := r.now()
	claims := jwt.MapClaims{
		"sub":  userId,
		"name": displayName,
		"exp":  now.Add(tokenLifetime).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(r.secret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

func (r *JWTResolver) Resolve(ctx context.Context, tokenString string) (models.Identity, error) {
	if len(tokenString) == 0 {
		return models.Identity{}, errors.New("token not provided")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(r.now))
	if err != nil {
		return models.Identity{}, err
	}

	if !token.Valid {
		return models.Identity{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, errors.New("invalid token claims")
	}

	userId, ok := claims["sub"].(string)
	if !ok || userId == "" {
		return models.Identity{}, errors.New("missing sub claim")
	}

	// Display name is optional; fall back to the user id
	name, _ := claims["name"].(string)
	if name == "" {
		name = userId
	}

	return models.Identity{UserId: userId, DisplayName: name}, nil
}
