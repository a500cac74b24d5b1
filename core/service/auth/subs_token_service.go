// Package auth supplies usable access tokens for mailbox connections.
// Token exchange and the OAuth dance live outside this service; it only
// decrypts, refreshes and re-stores credentials.
package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"subs_server/core/domain"
	"subs_server/core/port/out"
	"subs_server/pkg/crypto"
	"subs_server/pkg/logger"
)

// =============================================================================
// TokenService
// =============================================================================

type TokenService struct {
	connRepo  out.ConnectionRepository
	encryptor *crypto.Encryptor
	config    *oauth2.Config
}

func NewTokenService(connRepo out.ConnectionRepository, encryptor *crypto.Encryptor, clientID, clientSecret string) *TokenService {
	return &TokenService{
		connRepo:  connRepo,
		encryptor: encryptor,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
		},
	}
}

var _ out.TokenSourcePort = (*TokenService)(nil)

// AccessToken returns a decrypted, valid access token for the
// connection, refreshing and re-persisting when expired. A refresh
// failure marks the connection inactive and surfaces as a fatal
// provider auth error.
func (s *TokenService) AccessToken(ctx context.Context, conn *domain.Connection) (string, error) {
	access, err := s.encryptor.Decrypt(conn.AccessToken)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}

	if !conn.TokenExpired() {
		return access, nil
	}

	refresh, err := s.encryptor.Decrypt(conn.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refresh == "" {
		return "", out.NewProviderError(string(conn.Provider), out.ProviderErrTokenExpired,
			"access token expired and no refresh token available", nil, false)
	}

	token := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       conn.TokenExpiry,
	}

	newToken, err := s.config.TokenSource(ctx, token).Token()
	if err != nil {
		logger.Warn("[TokenService.AccessToken] Refresh failed for connection %d, marking inactive: %v", conn.ID, err)
		if updateErr := s.connRepo.SetActive(ctx, conn.ID, false); updateErr != nil {
			logger.Error("[TokenService.AccessToken] Failed to deactivate connection %d: %v", conn.ID, updateErr)
		}
		return "", out.NewProviderError(string(conn.Provider), out.ProviderErrAuth,
			"token refresh failed", err, false)
	}

	if newToken.AccessToken != access {
		if err := s.storeRefreshed(ctx, conn, newToken); err != nil {
			// The fresh token is still usable for this run
			logger.Error("[TokenService.AccessToken] Failed to persist refreshed token for connection %d: %v", conn.ID, err)
		}
	}

	return newToken.AccessToken, nil
}

func (s *TokenService) storeRefreshed(ctx context.Context, conn *domain.Connection, token *oauth2.Token) error {
	encAccess, err := s.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	encRefresh := conn.RefreshToken
	if token.RefreshToken != "" {
		encRefresh, err = s.encryptor.Encrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	if err := s.connRepo.UpdateTokens(ctx, conn.ID, encAccess, encRefresh, token.Expiry); err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}

	conn.AccessToken = encAccess
	conn.RefreshToken = encRefresh
	conn.TokenExpiry = token.Expiry
	logger.Debug("[TokenService.AccessToken] Token refreshed for connection %d", conn.ID)
	return nil
}
