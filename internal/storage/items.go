// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	internalTime "github.com/AzureAD/microsoft-authentication-cache-for-go/internal/json/types/time"
	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/shared"
	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/tokens"
)

const (
	// CredentialTypeAccessToken is the credential_type contract value for access tokens.
	CredentialTypeAccessToken = "AccessToken"
	// CredentialTypeIDToken is the credential_type contract value for ID tokens.
	CredentialTypeIDToken = "IDToken"
)

// expiryDelta absorbs clock skew and in-flight request latency when judging
// whether a cached access token is still usable.
const expiryDelta = 5 * time.Minute

// Contract is the JSON structure that is written to any storage medium when serializing
// the internal cache. This design is shared between MSAL versions in many languages.
// This cannot be changed without design that includes other SDKs.
type Contract struct {
	AccessTokens  map[string]AccessToken         `json:"AccessToken,omitempty"`
	RefreshTokens map[string]tokens.RefreshToken `json:"RefreshToken,omitempty"`
	IDTokens      map[string]IDToken             `json:"IdToken,omitempty"`
	Accounts      map[string]shared.Account      `json:"Account,omitempty"`
	AppMetaData   map[string]AppMetaData         `json:"AppMetadata,omitempty"`
}

// NewContract is the constructor for Contract.
func NewContract() *Contract {
	return &Contract{
		AccessTokens:  map[string]AccessToken{},
		RefreshTokens: map[string]tokens.RefreshToken{},
		IDTokens:      map[string]IDToken{},
		Accounts:      map[string]shared.Account{},
		AppMetaData:   map[string]AppMetaData{},
	}
}

// AccessToken is the JSON representation of a MSAL access token for encoding to storage.
type AccessToken struct {
	HomeAccountID     string            `json:"home_account_id,omitempty"`
	Environment       string            `json:"environment,omitempty"`
	Realm             string            `json:"realm,omitempty"`
	CredentialType    string            `json:"credential_type,omitempty"`
	ClientID          string            `json:"client_id,omitempty"`
	Secret            string            `json:"secret,omitempty"`
	Scopes            string            `json:"target,omitempty"`
	ExpiresOn         internalTime.Unix `json:"expires_on,omitempty"`
	ExtendedExpiresOn internalTime.Unix `json:"extended_expires_on,omitempty"`
	CachedAt          internalTime.Unix `json:"cached_at,omitempty"`
}

// NewAccessToken is the constructor for AccessToken.
func NewAccessToken(homeID, env, realm, clientID string, cachedAt, expiresOn, extendedExpiresOn time.Time, scopes, token string) AccessToken {
	return AccessToken{
		HomeAccountID:     homeID,
		Environment:       env,
		Realm:             realm,
		CredentialType:    CredentialTypeAccessToken,
		ClientID:          clientID,
		Secret:            token,
		Scopes:            scopes,
		CachedAt:          internalTime.Unix{T: cachedAt.UTC()},
		ExpiresOn:         internalTime.Unix{T: expiresOn.UTC()},
		ExtendedExpiresOn: internalTime.Unix{T: extendedExpiresOn.UTC()},
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AccessToken) Key() string {
	return strings.Join(
		[]string{a.HomeAccountID, a.Environment, strings.ToLower(a.CredentialType), a.ClientID, a.Realm, a.Scopes},
		shared.CacheKeySeparator,
	)
}

// IsZero reports whether a is the zero value.
func (a AccessToken) IsZero() bool {
	return a == AccessToken{}
}

// GetSecret returns the raw access token string.
func (a AccessToken) GetSecret() string {
	return a.Secret
}

// Validate validates that this AccessToken can be used. A token whose
// remaining lifetime is inside the expiry delta is treated as expired; a token
// cached at a future time came from a machine whose clock has since been
// corrected backward and cannot be trusted.
func (a AccessToken) Validate() error {
	now := time.Now()
	if a.CachedAt.T.IsZero() {
		return errors.New("access token does not have cached_at set")
	}
	if a.CachedAt.T.After(now) {
		return errors.New("access token isn't valid, it was cached at a future time")
	}
	if !a.ExpiresOn.T.After(now.Add(expiryDelta)) {
		return fmt.Errorf("access token is expired")
	}
	return nil
}

// IDToken is the JSON representation of an MSAL id token for encoding to storage.
type IDToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Realm          string `json:"realm,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

// NewIDToken is the constructor for IDToken.
func NewIDToken(homeID, env, realm, clientID, idToken string) IDToken {
	return IDToken{
		HomeAccountID:  homeID,
		Environment:    env,
		Realm:          realm,
		CredentialType: CredentialTypeIDToken,
		ClientID:       clientID,
		Secret:         idToken,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
// The trailing separator stands for the empty target segment.
func (id IDToken) Key() string {
	return strings.Join(
		[]string{id.HomeAccountID, id.Environment, strings.ToLower(id.CredentialType), id.ClientID, id.Realm, ""},
		shared.CacheKeySeparator,
	)
}

// IsZero determines if IDToken is the zero value.
func (id IDToken) IsZero() bool {
	return id == IDToken{}
}

// GetSecret returns the raw ID token string.
func (id IDToken) GetSecret() string {
	return id.Secret
}

// AppMetaData is the JSON representation of application metadata for encoding to storage.
// It records whether a client belongs to a family of client IDs sharing refresh tokens.
type AppMetaData struct {
	FamilyID    string `json:"family_id,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// NewAppMetaData is the constructor for AppMetaData.
func NewAppMetaData(familyID, clientID, environment string) AppMetaData {
	return AppMetaData{
		FamilyID:    familyID,
		ClientID:    clientID,
		Environment: environment,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AppMetaData) Key() string {
	return strings.Join(
		[]string{"AppMetaData", a.Environment, a.ClientID},
		shared.CacheKeySeparator,
	)
}
