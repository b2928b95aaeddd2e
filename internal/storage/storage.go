// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package storage holds the unified (partitioned) half of the token cache.
// The real persistence is external: hosts read and write the cache as one
// opaque blob through Marshal() and Unmarshal(), because multiple clients
// written in multiple languages can access the same storage and must adhere
// to the serialization contract that was defined previously. Between those
// calls everything here is a synchronous in-memory transformation.
package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/shared"
	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/tokens"
)

// PartitionKey addresses at most one live credential of each kind. Realm and
// Target apply only to the kinds whose cache keys carry them; equality on
// every component is literal and case-sensitive.
type PartitionKey struct {
	HomeAccountID string
	Environment   string
	Realm         string
	ClientID      string
	Target        string
}

// IsAddressable reports whether the key can answer a cache query at all.
// A blank component makes the query unanswerable, not an error.
func (p PartitionKey) IsAddressable() bool {
	return p.HomeAccountID != "" && p.Environment != "" && p.Realm != "" && p.ClientID != "" && p.Target != ""
}

// Credentials is the batch result of one partition-key query across the three
// credential kinds. Zero values mean "not present".
type Credentials struct {
	AccessToken  AccessToken
	RefreshToken tokens.RefreshToken
	IDToken      IDToken
}

// Manager is an in-memory cache of access tokens, accounts and metadata. This
// data is updated on read/write calls. Unmarshal() replaces all data stored
// here with whatever was given to it on each call.
type Manager struct {
	contract   *Contract
	contractMu sync.RWMutex
	changed    bool
}

// New is the constructor for Manager.
func New() *Manager {
	return &Manager{contract: NewContract()}
}

// ReadCredentials queries the cache for all credentials matching the partition
// key. More than one credential of a kind matching is a recoverable anomaly:
// it is logged and the last entry observed wins.
func (m *Manager) ReadCredentials(key PartitionKey) Credentials {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	creds := Credentials{}

	found := 0
	for _, at := range m.contract.AccessTokens {
		if at.HomeAccountID == key.HomeAccountID && at.Environment == key.Environment &&
			at.Realm == key.Realm && at.ClientID == key.ClientID && at.Scopes == key.Target {
			creds.AccessToken = at
			found++
		}
	}
	if found > 1 {
		log.Warnf("%d access tokens matched one partition key, using the last one observed", found)
	}

	creds.RefreshToken = m.readRefreshToken(key.HomeAccountID, key.Environment, key.ClientID)

	found = 0
	for _, idt := range m.contract.IDTokens {
		if idt.HomeAccountID == key.HomeAccountID && idt.Environment == key.Environment &&
			idt.Realm == key.Realm && idt.ClientID == key.ClientID {
			creds.IDToken = idt
			found++
		}
	}
	if found > 1 {
		log.Warnf("%d id tokens matched one partition key, using the last one observed", found)
	}

	return creds
}

// readRefreshToken finds a refresh token for the client. If the app is part of
// a family, or we do not know yet whether it is, a family refresh token minted
// by a sibling app is an acceptable answer, so the family match runs first in
// that case and the client-id match is the fallback.
func (m *Manager) readRefreshToken(homeID, env, clientID string) tokens.RefreshToken {
	byClient := func(rt tokens.RefreshToken) bool {
		return rt.HomeAccountID == homeID && rt.Environment == env && rt.ClientID == clientID
	}
	byFamily := func(rt tokens.RefreshToken) bool {
		return rt.HomeAccountID == homeID && rt.Environment == env && rt.FamilyID != ""
	}

	matchers := []func(tokens.RefreshToken) bool{byClient, byFamily}
	if app, ok := m.readAppMetaData(env, clientID); !ok || app.FamilyID != "" {
		matchers = []func(tokens.RefreshToken) bool{byFamily, byClient}
	}

	for _, matcher := range matchers {
		var match tokens.RefreshToken
		found := 0
		for _, rt := range m.contract.RefreshTokens {
			if matcher(rt) {
				match = rt
				found++
			}
		}
		if found > 1 {
			log.Warnf("%d refresh tokens matched one partition key, using the last one observed", found)
		}
		if found > 0 {
			return match
		}
	}
	return tokens.RefreshToken{}
}

// WriteAccessToken upserts an access token. The previous entry at the same
// partition key, if any, is replaced.
func (m *Manager) WriteAccessToken(accessToken AccessToken) error {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.AccessTokens[accessToken.Key()] = accessToken
	m.changed = true
	return nil
}

// DeleteAccessToken removes the access token, if present. Removing an entry
// that is already gone is not an error.
func (m *Manager) DeleteAccessToken(accessToken AccessToken) error {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	key := accessToken.Key()
	if _, ok := m.contract.AccessTokens[key]; ok {
		delete(m.contract.AccessTokens, key)
		m.changed = true
	}
	return nil
}

// WriteRefreshToken upserts a refresh token.
func (m *Manager) WriteRefreshToken(refreshToken tokens.RefreshToken) error {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.RefreshTokens[refreshToken.Key()] = refreshToken
	m.changed = true
	return nil
}

// DeleteRefreshToken removes every refresh token held for the client. It is
// called when the server has reported the refresh token invalid, so every key
// variant the token may have been stored under must go.
func (m *Manager) DeleteRefreshToken(homeID, env, clientID string) error {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	for key, rt := range m.contract.RefreshTokens {
		if rt.HomeAccountID == homeID && rt.Environment == env && rt.ClientID == clientID {
			delete(m.contract.RefreshTokens, key)
			m.changed = true
		}
	}
	return nil
}

// WriteIDToken upserts an ID token.
func (m *Manager) WriteIDToken(idToken IDToken) error {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.IDTokens[idToken.Key()] = idToken
	m.changed = true
	return nil
}

// ReadAccount looks up the account for (homeAccountID, environment, realm).
func (m *Manager) ReadAccount(homeAccountID, env, realm string) (shared.Account, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	for _, acc := range m.contract.Accounts {
		if acc.HomeAccountID == homeAccountID && acc.Environment == env && acc.Realm == realm {
			return acc, nil
		}
	}
	return shared.Account{}, fmt.Errorf("account not found")
}

// WriteAccount upserts an account.
func (m *Manager) WriteAccount(account shared.Account) error {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.Accounts[account.Key()] = account
	m.changed = true
	return nil
}

// AllAccounts returns every account in the cache.
func (m *Manager) AllAccounts() []shared.Account {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	var accounts []shared.Account
	for _, v := range m.contract.Accounts {
		accounts = append(accounts, v)
	}
	return accounts
}

// Account returns the first account matching the home account ID.
func (m *Manager) Account(homeAccountID string) shared.Account {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	for _, v := range m.contract.Accounts {
		if v.HomeAccountID == homeAccountID {
			return v
		}
	}
	return shared.Account{}
}

// RemoveAccount removes the account and every credential belonging to it for
// the given client.
func (m *Manager) RemoveAccount(account shared.Account, clientID string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()

	for key, at := range m.contract.AccessTokens {
		if at.HomeAccountID == account.HomeAccountID && at.Environment == account.Environment && at.ClientID == clientID {
			delete(m.contract.AccessTokens, key)
			m.changed = true
		}
	}
	for key, rt := range m.contract.RefreshTokens {
		if rt.HomeAccountID == account.HomeAccountID && rt.Environment == account.Environment && rt.ClientID == clientID {
			delete(m.contract.RefreshTokens, key)
			m.changed = true
		}
	}
	for key, idt := range m.contract.IDTokens {
		if idt.HomeAccountID == account.HomeAccountID && idt.Environment == account.Environment && idt.ClientID == clientID {
			delete(m.contract.IDTokens, key)
			m.changed = true
		}
	}
	for key, acc := range m.contract.Accounts {
		if acc.HomeAccountID == account.HomeAccountID && acc.Environment == account.Environment {
			delete(m.contract.Accounts, key)
			m.changed = true
		}
	}
}

func (m *Manager) readAppMetaData(env, clientID string) (AppMetaData, bool) {
	for _, app := range m.contract.AppMetaData {
		if app.Environment == env && app.ClientID == clientID {
			return app, true
		}
	}
	return AppMetaData{}, false
}

// WriteAppMetaData upserts application metadata.
func (m *Manager) WriteAppMetaData(appMetaData AppMetaData) error {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.AppMetaData[appMetaData.Key()] = appMetaData
	m.changed = true
	return nil
}

// HasChanged reports whether any mutating operation has run since the last
// Unmarshal or ClearChanged.
func (m *Manager) HasChanged() bool {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	return m.changed
}

// ClearChanged resets the changed flag. Hosts call it after persisting.
func (m *Manager) ClearChanged() {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.changed = false
}

// update updates the internal cache object. This is for use in tests, other
// uses are not supported.
func (m *Manager) update(contract *Contract) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract = contract
}

// Marshal serializes the unified half to the cross-language JSON contract.
func (m *Manager) Marshal() ([]byte, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	return json.Marshal(m.contract)
}

// Unmarshal replaces the in-memory representation with the given bytes. A nil
// or empty buffer means an empty cache.
func (m *Manager) Unmarshal(b []byte) error {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()

	contract := NewContract()
	if len(b) > 0 {
		if err := json.Unmarshal(b, contract); err != nil {
			return err
		}
		// Entries persisted by an older generation may leave whole sections out.
		if contract.AccessTokens == nil {
			contract.AccessTokens = map[string]AccessToken{}
		}
		if contract.RefreshTokens == nil {
			contract.RefreshTokens = map[string]tokens.RefreshToken{}
		}
		if contract.IDTokens == nil {
			contract.IDTokens = map[string]IDToken{}
		}
		if contract.Accounts == nil {
			contract.Accounts = map[string]shared.Account{}
		}
		if contract.AppMetaData == nil {
			contract.AppMetaData = map[string]AppMetaData{}
		}
	}
	m.contract = contract
	m.changed = false
	return nil
}
