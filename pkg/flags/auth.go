package flags

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/studify-ai/studify/pkg/apis/cache"
	"github.com/studify-ai/studify/pkg/db"
	"github.com/studify-ai/studify/pkg/identity"
)

// AuthFlags configures access token signing.
type AuthFlags struct {
	JWTSecret string
	TokenTTL  time.Duration
}

func NewAuthFlags() *AuthFlags {
	return &AuthFlags{
		JWTSecret: os.Getenv("STUDIFY_JWT_SECRET"),
		TokenTTL:  identity.DefaultTokenTTL,
	}
}

func (f *AuthFlags) BindFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&f.TokenTTL, "token-ttl", f.TokenTTL, "Lifetime of issued access tokens")
}

func (f *AuthFlags) Validate() error {
	if f.JWTSecret == "" {
		return errors.New("STUDIFY_JWT_SECRET must be set")
	}
	return nil
}

func (f *AuthFlags) GetIdentityService(dbc *db.DB, c cache.Cache) (*identity.Service, error) {
	return identity.New(dbc, identity.Config{
		Secret:   []byte(f.JWTSecret),
		TokenTTL: f.TokenTTL,
		Cache:    c,
	})
}
