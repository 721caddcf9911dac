package identity

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/studify-ai/studify/pkg/apis/cache"
	"github.com/studify-ai/studify/pkg/db"
	"github.com/studify-ai/studify/pkg/db/models"
)

const (
	DefaultTokenTTL = 7 * 24 * time.Hour
	userCacheTTL    = 5 * time.Minute
	TokenType       = "bearer"

	// bcrypt only reads the first 72 bytes of a password.
	maxPasswordBytes = 72
)

var (
	// ErrUnauthorized is returned for any missing, malformed, expired or
	// tampered credential, and for tokens of users that no longer exist.
	ErrUnauthorized = errors.New("unauthorized")

	ErrEmailTaken         = errors.New("email is already registered")
	ErrInvalidCredentials = errors.New("incorrect email or password")
	ErrInvalidAccount     = errors.New("email and password are required")
)

type Config struct {
	// Secret signs and verifies HS256 access tokens.
	Secret   []byte
	TokenTTL time.Duration
	// Cache holds recently authenticated users; nil disables caching.
	Cache      cache.Cache
	BcryptCost int
}

// Service resolves bearer credentials to users and manages accounts.
type Service struct {
	dbc    *db.DB
	secret []byte
	ttl    time.Duration
	cache  cache.Cache
	cost   int
	now    func() time.Time
}

func New(dbc *db.DB, cfg Config) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("a token signing secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		dbc:    dbc,
		secret: cfg.Secret,
		ttl:    cfg.TokenTTL,
		cache:  cfg.Cache,
		cost:   cfg.BcryptCost,
		now:    time.Now,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account. Preferences are stored as given.
func (s *Service) Register(ctx context.Context, email, password string, prefs map[string]string) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidAccount
	}

	var count int64
	if err := s.dbc.DB.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return nil, errors.Wrap(err, "could not look up user")
	}
	if count > 0 {
		return nil, ErrEmailTaken
	}

	if len(password) > maxPasswordBytes {
		return nil, errors.WithMessage(ErrInvalidAccount, "password is too long")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, errors.Wrap(err, "could not hash password")
	}

	if prefs == nil {
		prefs = map[string]string{}
	}
	user := &models.User{
		Email:          email,
		HashedPassword: string(hash),
	}
	if err := user.Preferences.Set(prefs); err != nil {
		return nil, errors.Wrap(err, "invalid preferences")
	}

	if err := s.dbc.DB.WithContext(ctx).Create(user).Error; err != nil {
		return nil, errors.Wrap(err, "could not create user")
	}
	log.WithField("user", user.ID).Info("registered user")
	return user, nil
}

// Login checks a password and issues an access token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	var user models.User
	res := s.dbc.DB.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&user)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return "", ErrInvalidCredentials
	}
	if res.Error != nil {
		return "", errors.Wrap(res.Error, "could not look up user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(user.Email)
}

// IssueToken signs an access token whose subject is the user's email.
func (s *Service) IssueToken(email string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "could not sign token")
	}
	return signed, nil
}

// Authenticate resolves an Authorization header value, or a bare token, to a
// user. Every invalid credential yields ErrUnauthorized; other errors mean
// the user could not be loaded.
func (s *Service) Authenticate(ctx context.Context, credential string) (*models.User, error) {
	raw := strings.TrimSpace(credential)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return nil, ErrUnauthorized
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		log.WithError(err).Debug("rejected access token")
		return nil, ErrUnauthorized
	}
	if claims.Subject == "" {
		return nil, ErrUnauthorized
	}

	return s.userByEmail(ctx, claims.Subject)
}

// cachedUser is what the user cache stores; it never carries the password hash.
type cachedUser struct {
	ID          uint            `json:"id"`
	Email       string          `json:"email"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

func userCacheKey(email string) string {
	return "user:" + email
}

func (s *Service) userByEmail(ctx context.Context, email string) (*models.User, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, userCacheKey(email)); err == nil {
			var cu cachedUser
			if err := json.Unmarshal(data, &cu); err == nil {
				user := &models.User{Email: cu.Email}
				user.ID = cu.ID
				if err := user.Preferences.Set([]byte(cu.Preferences)); err == nil {
					return user, nil
				}
			}
		}
	}

	var user models.User
	res := s.dbc.DB.WithContext(ctx).Where("email = ?", email).First(&user)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, ErrUnauthorized
	}
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "could not load user")
	}

	if s.cache != nil {
		data, err := json.Marshal(cachedUser{
			ID:          user.ID,
			Email:       user.Email,
			Preferences: json.RawMessage(user.Preferences.Bytes),
		})
		if err == nil {
			if err := s.cache.Set(ctx, userCacheKey(email), data, userCacheTTL); err != nil {
				log.WithError(err).Warn("could not cache user")
			}
		}
	}
	return &user, nil
}
