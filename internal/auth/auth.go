// Package auth establishes the calling user's identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"irrigation-registry-backend/config"
)

// ErrUnauthenticated means the request carried no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// UserHeader carries the user id when the header verifier is configured.
const UserHeader = "X-User-ID"

// Verifier resolves the user id of an HTTP request.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request) (string, error)
}

// New builds the verifier selected by cfg.Mode.
func New(ctx context.Context, cfg config.AuthConfig) (Verifier, error) {
	switch cfg.Mode {
	case "firebase":
		return NewFirebaseVerifier(ctx, cfg)
	case "header":
		return HeaderVerifier{}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// tokenVerifier is the part of the Firebase auth client used here.
type tokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseVerifier checks Firebase ID tokens sent as bearer tokens.
type FirebaseVerifier struct {
	client tokenVerifier
}

// NewFirebaseVerifier initializes the Firebase app and its auth client.
func NewFirebaseVerifier(ctx context.Context, cfg config.AuthConfig) (*FirebaseVerifier, error) {
	var opts []option.ClientOption
	if cfg.FirebaseCredentialFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.FirebaseCredentialFile))
	}
	var fbCfg *firebase.Config
	if cfg.FirebaseProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: cfg.FirebaseProjectID}
	}

	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase: error initializing app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase: error getting auth client: %w", err)
	}
	return &FirebaseVerifier{client: client}, nil
}

func (v *FirebaseVerifier) Verify(ctx context.Context, r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrUnauthenticated
	}
	verified, err := v.client.VerifyIDToken(ctx, strings.TrimSpace(token))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if verified.UID == "" {
		return "", ErrUnauthenticated
	}
	return verified.UID, nil
}

// HeaderVerifier trusts the X-User-ID header. It is meant for local
// development and for deployments behind an authenticating proxy.
type HeaderVerifier struct{}

func (HeaderVerifier) Verify(_ context.Context, r *http.Request) (string, error) {
	uid := strings.TrimSpace(r.Header.Get(UserHeader))
	if uid == "" {
		return "", ErrUnauthenticated
	}
	return uid, nil
}
