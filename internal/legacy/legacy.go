// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package legacy reads and writes the flat cache format that predates the
// unified partitioned cache, so that tokens minted by either generation of
// the library remain usable by the other.
package legacy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/tokens"
)

// Users is the result of enumerating legacy entries for one client. Entries
// written before client info existed cannot be matched to a home account id,
// so they are surfaced separately and the caller may still list them as
// accounts without a stable id.
type Users struct {
	WithClientInfo    map[tokens.ClientInfo]UserInfo
	WithoutClientInfo []UserInfo
}

// Manager is the in-memory representation of the legacy cache. Like the
// unified half, hosts round-trip it through Marshal() and Unmarshal() around
// every operation.
type Manager struct {
	mu      sync.RWMutex
	entries map[hashKey]Entry
	changed bool
}

// New is the constructor for Manager.
func New() *Manager {
	return &Manager{entries: map[hashKey]Entry{}}
}

// WriteRefreshToken stores a refresh token in the legacy format. Family
// refresh tokens are never written: legacy consumers cannot disambiguate
// families. Any problem on this path is logged and swallowed, the unified
// write has already succeeded and a missing legacy copy only costs a
// re-authentication in the old library.
func (m *Manager) WriteRefreshToken(rt tokens.RefreshToken, rawClientInfo string, idToken tokens.IDToken, authority, uniqueID string, scopes []string) {
	if rt.Secret == "" {
		return
	}
	if rt.FamilyID != "" {
		log.Debugf("not writing family refresh token to the legacy cache for client %s", rt.ClientID)
		return
	}

	authorityHost, err := hostOf(authority)
	if err != nil {
		log.Errorf("not writing legacy refresh token, could not parse authority %q: %v", authority, err)
		return
	}
	if idHost, err := hostOf(idToken.Issuer); err == nil && idHost != "" && rt.Environment != "" && !strings.EqualFold(idHost, rt.Environment) {
		log.Errorf("refresh token and id token environment mismatch: %q vs %q", rt.Environment, idHost)
		return
	}
	if rt.Environment != "" && !strings.EqualFold(authorityHost, rt.Environment) {
		log.Errorf("authority environment mismatch: %q vs %q", authorityHost, rt.Environment)
		return
	}

	target := strings.Join(scopes, " ")
	key, err := NewKey(authority, target, rt.ClientID, SubjectTypeUser, uniqueID, idToken.PreferredUsername)
	if err != nil {
		log.Errorf("not writing legacy refresh token: %v", err)
		return
	}
	entry := Entry{
		Key: key,
		UserInfo: UserInfo{
			UniqueID:      uniqueID,
			DisplayableID: idToken.PreferredUsername,
			GivenName:     idToken.GivenName,
			FamilyName:    idToken.FamilyName,
		},
		RefreshToken:  rt.Secret,
		RawClientInfo: rawClientInfo,
		// The scope string rides along as resource_in_response so downstream
		// consumers can tell a multi-resource token apart.
		ResourceInResponse: target,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key.hash()] = entry
	m.changed = true
}

// AllUsers scans the legacy entries for the client and partitions them by
// presence of client info.
func (m *Manager) AllUsers(clientID string) Users {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := Users{WithClientInfo: map[tokens.ClientInfo]UserInfo{}}
	for _, entry := range m.entries {
		if !strings.EqualFold(entry.Key.ClientID, clientID) || entry.Key.Authority == "" {
			continue
		}
		if entry.RawClientInfo == "" {
			users.WithoutClientInfo = append(users.WithoutClientInfo, entry.UserInfo)
			continue
		}
		ci, err := tokens.NewClientInfo(entry.RawClientInfo)
		if err != nil {
			log.Warnf("legacy entry for %q has unreadable client info: %v", entry.UserInfo.DisplayableID, err)
			users.WithoutClientInfo = append(users.WithoutClientInfo, entry.UserInfo)
			continue
		}
		users.WithClientInfo[ci] = entry.UserInfo
	}
	return users
}

// RefreshToken finds a legacy refresh token for the account and returns it as
// a modern credential. At least one of username or uniqueID must be supplied;
// an unfiltered scan of all users' tokens is a logic error, not a request for
// everything.
func (m *Manager) RefreshToken(envAliases []string, clientID, username, uniqueID string) (tokens.RefreshToken, error) {
	if username == "" && uniqueID == "" {
		log.Error("legacy refresh token lookup requires a username or a unique id filter, refusing to scan")
		return tokens.RefreshToken{}, fmt.Errorf("refresh token not found")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.entries {
		if !strings.EqualFold(entry.Key.ClientID, clientID) || entry.RefreshToken == "" {
			continue
		}
		host, err := hostOf(entry.Key.Authority)
		if err != nil || !containsFold(envAliases, host) {
			continue
		}
		if username != "" && !strings.EqualFold(entry.UserInfo.DisplayableID, username) {
			continue
		}
		if uniqueID != "" && entry.UserInfo.UniqueID != uniqueID {
			continue
		}

		homeAccountID := ""
		if entry.RawClientInfo != "" {
			ci, err := tokens.NewClientInfo(entry.RawClientInfo)
			if err != nil {
				log.Warnf("legacy entry for %q has unreadable client info: %v", entry.UserInfo.DisplayableID, err)
			} else {
				homeAccountID = ci.HomeAccountID()
			}
		}
		return tokens.NewRefreshToken(homeAccountID, host, entry.Key.ClientID, entry.RefreshToken, ""), nil
	}
	return tokens.RefreshToken{}, fmt.Errorf("refresh token not found")
}

// RemoveUser removes every legacy entry belonging to the user, in two passes.
// The same human user may be present both with client info (written after
// migration) and without (written before), and both forms must be purged
// together.
func (m *Manager) RemoveUser(clientID, displayableID, accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if accountID != "" {
		for hk, entry := range m.entries {
			if !strings.EqualFold(entry.Key.ClientID, clientID) || entry.RawClientInfo == "" {
				continue
			}
			ci, err := tokens.NewClientInfo(entry.RawClientInfo)
			if err != nil {
				continue
			}
			if ci.HomeAccountID() == accountID {
				delete(m.entries, hk)
				m.changed = true
			}
		}
	}

	if displayableID == "" {
		log.Error("cannot remove legacy entries by displayable id, none was provided")
		return
	}
	for hk, entry := range m.entries {
		if strings.EqualFold(entry.Key.ClientID, clientID) && strings.EqualFold(entry.UserInfo.DisplayableID, displayableID) {
			delete(m.entries, hk)
			m.changed = true
		}
	}
}

// HasChanged reports whether any mutating operation has run since the last
// Unmarshal or ClearChanged.
func (m *Manager) HasChanged() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// ClearChanged resets the changed flag. Hosts call it after persisting.
func (m *Manager) ClearChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed = false
}

// Marshal serializes the legacy half as a flat list of key/value records.
// Output is sorted so the same cache state always produces the same bytes.
func (m *Manager) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]record, 0, len(m.entries))
	for _, entry := range m.entries {
		records = append(records, entry.toRecord())
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Authority != b.Authority {
			return a.Authority < b.Authority
		}
		if a.ClientID != b.ClientID {
			return a.ClientID < b.ClientID
		}
		if a.UniqueID != b.UniqueID {
			return a.UniqueID < b.UniqueID
		}
		return a.DisplayableID < b.DisplayableID
	})
	return json.Marshal(records)
}

// Unmarshal replaces the in-memory representation with the given bytes. A nil
// or empty buffer means an empty cache. A record that cannot form a valid key
// is dropped with a warning rather than failing the whole cache.
func (m *Manager) Unmarshal(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := map[hashKey]Entry{}
	if len(b) > 0 {
		var records []record
		if err := json.Unmarshal(b, &records); err != nil {
			return err
		}
		for _, r := range records {
			entry, err := r.toEntry()
			if err != nil {
				log.Warnf("dropping unreadable legacy cache entry: %v", err)
				continue
			}
			entries[entry.Key.hash()] = entry
		}
	}
	m.entries = entries
	m.changed = false
	return nil
}

// all returns a copy of every entry. For use in tests.
func (m *Manager) all() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	return entries
}

func hostOf(authority string) (string, error) {
	if authority == "" {
		return "", nil
	}
	u, err := url.Parse(authority)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
