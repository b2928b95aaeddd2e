// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package tokens holds the model of a token response as consumed from the
// token-acquisition pipeline, along with the refresh token credential type
// that is stored in the cache.
package tokens

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/shared"
)

// CredentialTypeRefreshToken is the value of the credential_type contract field
// for refresh tokens. The key segment is its lowercase form.
const CredentialTypeRefreshToken = "RefreshToken"

// ClientInfo is the decoded client_info blob the server issues alongside tokens.
// It is used to create a home account ID for an account.
type ClientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

// NewClientInfo decodes a raw client_info string (base64 url-encoded JSON).
// An empty raw string is not an error, client info is absent in some flows.
func NewClientInfo(raw string) (ClientInfo, error) {
	ci := ClientInfo{}
	if raw == "" {
		return ci, nil
	}
	b, err := DecodeJWTSegment(raw)
	if err != nil {
		return ci, fmt.Errorf("could not decode client info: %w", err)
	}
	if err := json.Unmarshal(b, &ci); err != nil {
		return ci, fmt.Errorf("could not unmarshal client info: %w", err)
	}
	return ci, nil
}

// HomeAccountID returns the {uid}.{utid} identifier, or "" if either half is missing.
func (c ClientInfo) HomeAccountID() string {
	if c.UID == "" || c.UTID == "" {
		return ""
	}
	return fmt.Sprintf("%s.%s", c.UID, c.UTID)
}

// IDToken consists of the claims used to derive an account from a token response.
// https://docs.microsoft.com/azure/active-directory/develop/id-tokens .
type IDToken struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	MiddleName        string `json:"middle_name,omitempty"`
	Name              string `json:"name,omitempty"`
	Oid               string `json:"oid,omitempty"`
	TenantID          string `json:"tid,omitempty"`
	Subject           string `json:"sub,omitempty"`
	UPN               string `json:"upn,omitempty"`
	Email             string `json:"email,omitempty"`
	AlternativeID     string `json:"alternative_id,omitempty"`
	Issuer            string `json:"iss,omitempty"`
	Audience          string `json:"aud,omitempty"`
	ExpirationTime    int64  `json:"exp,omitempty"`
	IssuedAt          int64  `json:"iat,omitempty"`
	NotBefore         int64  `json:"nbf,omitempty"`
	RawToken          string `json:"-"`
}

// NewIDToken creates an IDToken instance from a JWT. The signature is not
// validated here, that is the acquisition pipeline's job.
func NewIDToken(jwt string) (IDToken, error) {
	jwtArr := strings.Split(jwt, ".")
	if len(jwtArr) < 2 {
		return IDToken{}, errors.New("id token returned from server is invalid")
	}
	jwtDecoded, err := DecodeJWTSegment(jwtArr[1])
	if err != nil {
		return IDToken{}, err
	}
	idToken := IDToken{}
	if err = json.Unmarshal(jwtDecoded, &idToken); err != nil {
		return IDToken{}, err
	}
	idToken.RawToken = jwt
	return idToken, nil
}

// IsZero indicates if the IDToken is the zero value.
func (i IDToken) IsZero() bool {
	return i == IDToken{}
}

// LocalAccountID extracts an account's local account ID from an ID token.
func (i IDToken) LocalAccountID() string {
	if i.Oid != "" {
		return i.Oid
	}
	return i.Subject
}

// TokenResponse is the information from a token endpoint that the cache engine
// consumes. The network pipeline constructs it; the engine only reads it.
type TokenResponse struct {
	AccessToken   string
	RefreshToken  string
	IDToken       IDToken
	FamilyID      string
	GrantedScopes []string
	ExpiresOn     int64 // epoch seconds
	ExtExpiresOn  int64 // epoch seconds
	RawClientInfo string
	ClientInfo    ClientInfo
}

// HasAccessToken checks if the TokenResponse has an access token.
func (tr TokenResponse) HasAccessToken() bool {
	return len(tr.AccessToken) > 0
}

// HasRefreshToken checks if the TokenResponse has a refresh token.
func (tr TokenResponse) HasRefreshToken() bool {
	return len(tr.RefreshToken) > 0
}

// HomeAccountID derives the identifier the response's credentials are cached
// under. Client info wins; the ID token's upn, email and subject claims are
// successive fallbacks for tenants that do not issue client info.
func (tr TokenResponse) HomeAccountID() string {
	if id := tr.ClientInfo.HomeAccountID(); id != "" {
		return id
	}
	if tr.IDToken.UPN != "" {
		return tr.IDToken.UPN
	}
	if tr.IDToken.Email != "" {
		return tr.IDToken.Email
	}
	return tr.IDToken.Subject
}

// RefreshToken is the JSON representation of a refresh token for encoding to storage.
type RefreshToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	FamilyID       string `json:"family_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
	Realm          string `json:"realm,omitempty"`
	Target         string `json:"target,omitempty"`
}

// NewRefreshToken is the constructor for RefreshToken.
func NewRefreshToken(homeID, env, clientID, refreshToken, familyID string) RefreshToken {
	return RefreshToken{
		HomeAccountID:  homeID,
		Environment:    env,
		CredentialType: CredentialTypeRefreshToken,
		ClientID:       clientID,
		FamilyID:       familyID,
		Secret:         refreshToken,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
// Refresh tokens are tenant- and scope-independent, so the realm and target
// segments are empty but must remain in the key for compatibility with caches
// written by the other SDKs.
func (rt RefreshToken) Key() string {
	return strings.Join(
		[]string{rt.HomeAccountID, rt.Environment, strings.ToLower(rt.CredentialType), rt.ClientID, "", ""},
		shared.CacheKeySeparator,
	)
}

// IsZero reports whether rt is the zero value.
func (rt RefreshToken) IsZero() bool {
	return rt == RefreshToken{}
}

// GetSecret returns the raw refresh token string.
func (rt RefreshToken) GetSecret() string {
	return rt.Secret
}

// DecodeJWTSegment decodes one segment of a JWT (or the client_info blob) into
// the JSON object it carries. Segments arrive base64 url-encoded, usually
// without padding.
func DecodeJWTSegment(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
