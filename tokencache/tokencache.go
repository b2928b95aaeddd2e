// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package tokencache implements the token cache engine: it derives cache
// partition keys from request context, selects and validates credentials on
// read, merges token responses into storage on write, and bridges the unified
// partitioned cache with the legacy flat format so tokens minted by either
// generation of the library remain usable by both.
//
// Nothing in this package performs I/O. Hosts materialize the cache through
// Unmarshal/DeserializeAll before an operation and persist it through
// Marshal/SerializeAll afterwards, under their own lock (see the cache
// package). A cache failure is never allowed to abort an authentication flow:
// every internal error is logged and converted into a safe "no hit" or no-op.
package tokencache

import (
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/AzureAD/microsoft-authentication-cache-for-go/cache"
	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/legacy"
	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/shared"
	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/storage"
	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/tokens"
)

const scopeSeparator = " "

// authorityTypeMSSTS is the authority type recorded on accounts derived here.
const authorityTypeMSSTS = "MSSTS"

// AuthParams is the request context one cache operation runs under. The
// authority/tenant resolution logic supplies Environment (the authority host)
// and Realm (the tenant segment); the rest comes from the request itself.
type AuthParams struct {
	HomeAccountID string
	Environment   string
	Realm         string
	ClientID      string
	Scopes        []string
	// AuthorityURI is the full authority URL, used when mirroring refresh
	// tokens into the legacy format.
	AuthorityURI string
	// AuthorityType is recorded on derived accounts. Defaults to MSSTS.
	AuthorityType string
	// CorrelationID ties an operation's log records to the request that
	// triggered it. A new ID is generated when blank.
	CorrelationID string
}

func (p AuthParams) target() string {
	return strings.Join(p.Scopes, scopeSeparator)
}

// TokenResult is what a cache read produces. At most one of AccessToken and
// RefreshToken is populated: callers holding a usable access token must not
// also receive a refresh token, or they may silently refresh for no reason.
type TokenResult struct {
	AccessToken  storage.AccessToken
	RefreshToken tokens.RefreshToken
	IDToken      storage.IDToken
	Account      shared.Account
}

// Engine orchestrates the two cache generations. Construct one per
// application instance and pass it by reference into request processing; it
// holds no global state.
type Engine struct {
	storage *storage.Manager
	legacy  *legacy.Manager
	log     *log.Logger
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the logger the engine's operations report to. The default
// is the logrus standard logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.log = logger
	}
}

// New is the constructor for Engine.
func New(options ...Option) *Engine {
	e := &Engine{
		storage: storage.New(),
		legacy:  legacy.New(),
		log:     log.StandardLogger(),
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// TryReadCache answers "do I already have a usable token" for the request.
// The second return is false on a miss. A blank required key component makes
// the query unanswerable and is a miss, not an error.
func (e *Engine) TryReadCache(params AuthParams) (TokenResult, bool) {
	key := storage.PartitionKey{
		HomeAccountID: params.HomeAccountID,
		Environment:   params.Environment,
		Realm:         params.Realm,
		ClientID:      params.ClientID,
		Target:        params.target(),
	}
	if !key.IsAddressable() {
		e.log.Debugf("cache query for client %s is missing a partition key component, reporting a miss", params.ClientID)
		return TokenResult{}, false
	}

	clog := e.log.WithField("correlation_id", correlationID(params))
	clog.Debugf("querying the cache for homeAccountID %q environment %q realm %q clientID %q target %q",
		key.HomeAccountID, key.Environment, key.Realm, key.ClientID, key.Target)

	creds := e.storage.ReadCredentials(key)

	if !creds.AccessToken.IsZero() {
		if err := creds.AccessToken.Validate(); err != nil {
			clog.Debugf("removing unusable access token: %v", err)
			if err := e.storage.DeleteAccessToken(creds.AccessToken); err != nil {
				clog.Errorf("could not remove unusable access token: %v", err)
			}
			creds.AccessToken = storage.AccessToken{}
		}
	}

	if !creds.AccessToken.IsZero() {
		// A usable access token makes the refresh token dead weight, and
		// handing both back invites an unnecessary silent refresh.
		creds.RefreshToken = tokens.RefreshToken{}
	}

	if creds.AccessToken.IsZero() && creds.RefreshToken.IsZero() {
		return TokenResult{}, false
	}

	result := TokenResult{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		IDToken:      creds.IDToken,
	}
	if !creds.AccessToken.IsZero() {
		account, err := e.storage.ReadAccount(key.HomeAccountID, key.Environment, key.Realm)
		if err != nil {
			clog.Debugf("access token has no matching account: %v", err)
		} else {
			result.Account = account
		}
	}
	return result, true
}

// CacheTokenResponse merges a token response into the unified cache and
// returns the account it was stored under. The zero Account means no account
// could be derived. Individual write failures are logged and do not stop the
// remaining writes; the cache is not a hard dependency of the calling flow.
func (e *Engine) CacheTokenResponse(params AuthParams, tokenResponse tokens.TokenResponse) shared.Account {
	homeAccountID := tokenResponse.HomeAccountID()
	environment := params.Environment
	realm := params.Realm
	clientID := params.ClientID
	target := strings.Join(tokenResponse.GrantedScopes, scopeSeparator)

	if homeAccountID == "" || environment == "" || realm == "" || clientID == "" || target == "" {
		e.log.Debugf("not caching token response for client %s, the partition key could not be derived", clientID)
		return shared.Account{}
	}

	clog := e.log.WithField("correlation_id", correlationID(params))
	cachedAt := time.Now()

	if tokenResponse.HasRefreshToken() {
		refreshToken := tokens.NewRefreshToken(homeAccountID, environment, clientID, tokenResponse.RefreshToken, tokenResponse.FamilyID)
		if err := e.storage.WriteRefreshToken(refreshToken); err != nil {
			clog.Errorf("could not write refresh token to the cache: %v", err)
		}
	}

	if tokenResponse.HasAccessToken() {
		accessToken := storage.NewAccessToken(
			homeAccountID,
			environment,
			realm,
			clientID,
			cachedAt,
			time.Unix(tokenResponse.ExpiresOn, 0),
			time.Unix(tokenResponse.ExtExpiresOn, 0),
			target,
			tokenResponse.AccessToken,
		)
		// An access token that is already inside its expiry margin is not
		// worth storing; the next read would only delete it.
		if err := accessToken.Validate(); err == nil {
			if err := e.storage.WriteAccessToken(accessToken); err != nil {
				clog.Errorf("could not write access token to the cache: %v", err)
			}
		}
	}

	var account shared.Account
	idTokenJwt := tokenResponse.IDToken
	if !idTokenJwt.IsZero() {
		idToken := storage.NewIDToken(homeAccountID, environment, realm, clientID, idTokenJwt.RawToken)
		if err := e.storage.WriteIDToken(idToken); err != nil {
			clog.Errorf("could not write id token to the cache: %v", err)
		}

		authorityType := params.AuthorityType
		if authorityType == "" {
			authorityType = authorityTypeMSSTS
		}
		account = shared.Account{
			HomeAccountID:     homeAccountID,
			Environment:       environment,
			Realm:             realm,
			LocalAccountID:    idTokenJwt.LocalAccountID(),
			AuthorityType:     authorityType,
			PreferredUsername: idTokenJwt.PreferredUsername,
			GivenName:         idTokenJwt.GivenName,
			FamilyName:        idTokenJwt.FamilyName,
			MiddleName:        idTokenJwt.MiddleName,
			Name:              idTokenJwt.Name,
			AlternativeID:     idTokenJwt.AlternativeID,
			RawClientInfo:     tokenResponse.RawClientInfo,
		}
		if err := e.storage.WriteAccount(account); err != nil {
			clog.Errorf("could not write account to the cache: %v", err)
		}
	} else {
		// No id token in this response; the account may exist from a
		// previous one.
		if existing, err := e.storage.ReadAccount(homeAccountID, environment, realm); err == nil {
			account = existing
		}
	}

	if err := e.storage.WriteAppMetaData(storage.NewAppMetaData(tokenResponse.FamilyID, clientID, environment)); err != nil {
		clog.Errorf("could not write app metadata to the cache: %v", err)
	}
	return account
}

// DeleteCachedRefreshToken removes the refresh token held for the request's
// client. It is called when the server reports the token invalid
// (invalid_grant); cleanup failure must never surface as an authentication
// failure, so problems are logged and swallowed.
func (e *Engine) DeleteCachedRefreshToken(params AuthParams) {
	if params.HomeAccountID == "" || params.Environment == "" || params.ClientID == "" {
		e.log.Debugf("not deleting cached refresh token for client %s, the partition key is incomplete", params.ClientID)
		return
	}
	if err := e.storage.DeleteRefreshToken(params.HomeAccountID, params.Environment, params.ClientID); err != nil {
		e.log.Errorf("could not delete cached refresh token: %v", err)
	}
}

// WriteLegacyRefreshToken mirrors the response's refresh token into the
// legacy format. uniqueID is the user's object id as reported by the token
// endpoint. Family refresh tokens are never mirrored. All failures are logged
// and swallowed.
func (e *Engine) WriteLegacyRefreshToken(params AuthParams, tokenResponse tokens.TokenResponse, uniqueID string) {
	if !tokenResponse.HasRefreshToken() {
		return
	}
	refreshToken := tokens.NewRefreshToken(
		tokenResponse.HomeAccountID(),
		params.Environment,
		params.ClientID,
		tokenResponse.RefreshToken,
		tokenResponse.FamilyID,
	)
	e.legacy.WriteRefreshToken(refreshToken, tokenResponse.RawClientInfo, tokenResponse.IDToken, params.AuthorityURI, uniqueID, tokenResponse.GrantedScopes)
}

// AllLegacyUsers enumerates the legacy entries for the client, partitioned by
// whether the entry carries client info.
func (e *Engine) AllLegacyUsers(clientID string) legacy.Users {
	return e.legacy.AllUsers(clientID)
}

// LegacyRefreshToken finds a refresh token for the account in the legacy
// cache. envAliases is the set of hostnames equivalent to the request's
// authority. The account must carry a username or a local account id; with
// neither there is nothing safe to filter on and the lookup reports a miss.
func (e *Engine) LegacyRefreshToken(envAliases []string, clientID string, account shared.Account) (tokens.RefreshToken, bool) {
	rt, err := e.legacy.RefreshToken(envAliases, clientID, account.PreferredUsername, account.LocalAccountID)
	if err != nil {
		return tokens.RefreshToken{}, false
	}
	return rt, true
}

// RemoveLegacyUser purges the user's legacy entries, both the post-migration
// form carrying client info and the pre-migration form without it.
func (e *Engine) RemoveLegacyUser(clientID, displayableID, accountID string) {
	e.legacy.RemoveUser(clientID, displayableID, accountID)
}

// AllAccounts returns every account in the unified cache.
func (e *Engine) AllAccounts() []shared.Account {
	return e.storage.AllAccounts()
}

// Account returns the unified account matching the home account ID, or the
// zero Account.
func (e *Engine) Account(homeAccountID string) shared.Account {
	return e.storage.Account(homeAccountID)
}

// RemoveAccount removes the account and its credentials from both cache
// generations. This is the sign-out path.
func (e *Engine) RemoveAccount(account shared.Account, clientID string) {
	e.storage.RemoveAccount(account, clientID)
	e.legacy.RemoveUser(clientID, account.PreferredUsername, account.HomeAccountID)
}

// SerializeAll produces the two opaque buffers the host persists. Neither
// buffer's format depends on the other.
func (e *Engine) SerializeAll() (legacyState, unifiedState []byte, err error) {
	legacyState, err = e.legacy.Marshal()
	if err != nil {
		return nil, nil, err
	}
	unifiedState, err = e.storage.Marshal()
	if err != nil {
		return nil, nil, err
	}
	return legacyState, unifiedState, nil
}

// DeserializeAll replaces the in-memory model with freshly read bytes. A nil
// buffer for either half means that half is empty. Corrupt bytes degrade that
// half to empty with an error logged: a cache miss is always a safe, if
// slower, outcome, so a broken cache must not abort the authentication flow.
func (e *Engine) DeserializeAll(legacyState, unifiedState []byte) error {
	if err := e.legacy.Unmarshal(legacyState); err != nil {
		e.log.Errorf("could not deserialize the legacy cache, treating it as empty: %v", err)
		_ = e.legacy.Unmarshal(nil)
	}
	if err := e.storage.Unmarshal(unifiedState); err != nil {
		e.log.Errorf("could not deserialize the unified cache, treating it as empty: %v", err)
		_ = e.storage.Unmarshal(nil)
	}
	return nil
}

// HasChanged reports whether either half has been mutated since the last
// deserialize or ClearChanged. Hosts consult it in their after-access hook to
// decide whether to persist.
func (e *Engine) HasChanged() bool {
	return e.storage.HasChanged() || e.legacy.HasChanged()
}

// ClearChanged resets both changed flags after the host has persisted.
func (e *Engine) ClearChanged() {
	e.storage.ClearChanged()
	e.legacy.ClearChanged()
}

// Marshal implements cache.Marshaler.
func (e *Engine) Marshal() (cache.State, error) {
	legacyState, unifiedState, err := e.SerializeAll()
	if err != nil {
		return cache.State{}, err
	}
	return cache.State{Legacy: legacyState, Unified: unifiedState}, nil
}

// Unmarshal implements cache.Unmarshaler.
func (e *Engine) Unmarshal(state cache.State) error {
	return e.DeserializeAll(state.Legacy, state.Unified)
}

func correlationID(params AuthParams) string {
	if params.CorrelationID != "" {
		return params.CorrelationID
	}
	return uuid.New().String()
}
