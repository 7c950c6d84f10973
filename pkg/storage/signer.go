package storage

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
)

// DownloadPath is the route that redeems signed links.
const DownloadPath = "/files"

const tokenIssuer = "minutes-admin"

// FileClaims identify one object a signed link grants access to.
type FileClaims struct {
	Bucket string `json:"bkt"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HMAC-signed download links. S3 presigning is
// capped at seven days, so links are tokens redeemed by DownloadPath instead.
type Signer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	links   *cache.Cache
	now     func() time.Time
}

// NewSigner creates a signer whose links live for ttl. Issued links are
// reused for ttl/30 so a returned link always has most of its lifetime left.
func NewSigner(secret, baseURL string, ttl time.Duration) *Signer {
	reuse := ttl / 30
	return &Signer{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		links:   cache.New(reuse, 2*reuse),
		now:     time.Now,
	}
}

// TTL returns the lifetime of issued links.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// SignedURL returns a download link for bucket/key.
func (s *Signer) SignedURL(bucket, key string) (string, error) {
	cacheKey := bucket + "/" + key
	if link, ok := s.links.Get(cacheKey); ok {
		return link.(string), nil
	}

	now := s.now()
	claims := FileClaims{
		Bucket: bucket,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   key,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign download token: %w", err)
	}

	link := s.baseURL + DownloadPath + "?token=" + url.QueryEscape(token)
	s.links.SetDefault(cacheKey, link)
	return link, nil
}

// Verify checks a token from a signed link and returns the object it grants.
func (s *Signer) Verify(token string) (bucket, key string, err error) {
	var claims FileClaims
	_, err = jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("invalid download token: %v: %w", err, merrors.ErrUnauthorized)
	}
	if claims.Bucket == "" || claims.Subject == "" {
		return "", "", fmt.Errorf("download token has no object: %w", merrors.ErrUnauthorized)
	}
	return claims.Bucket, claims.Subject, nil
}
