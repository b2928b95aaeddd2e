// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package legacy

import (
	"errors"
	"strings"
)

// SubjectType classifies whose credentials a legacy entry holds.
type SubjectType string

const (
	SubjectTypeUser           SubjectType = "User"
	SubjectTypeClient         SubjectType = "Client"
	SubjectTypeUserPlusClient SubjectType = "UserPlusClient"
)

// Key identifies an entry in the legacy flat cache. Two keys differing only in
// Resource are the same key: the pre-unified cache intentionally collided them
// so that a newer token for any resource overwrote the older one, and callers
// of both library generations still depend on that. ClientID and DisplayableID
// compare case-insensitively; Authority and UniqueID compare literally.
type Key struct {
	Authority     string
	Resource      string
	ClientID      string
	SubjectType   SubjectType
	UniqueID      string
	DisplayableID string
}

// NewKey is the constructor for Key. It fails fast on blank required fields so
// a bad key can never enter storage.
func NewKey(authority, resource, clientID string, subjectType SubjectType, uniqueID, displayableID string) (Key, error) {
	if authority == "" {
		return Key{}, errors.New("legacy cache key requires an authority")
	}
	if clientID == "" {
		return Key{}, errors.New("legacy cache key requires a client id")
	}
	if subjectType == "" {
		return Key{}, errors.New("legacy cache key requires a subject type")
	}
	return Key{
		Authority:     authority,
		Resource:      resource,
		ClientID:      clientID,
		SubjectType:   subjectType,
		UniqueID:      uniqueID,
		DisplayableID: displayableID,
	}, nil
}

// hashKey is the comparable form of Key used as the map key: Resource is
// excluded and the case-insensitive fields are folded. This encodes the
// equality rule directly instead of relying on reflection.
type hashKey struct {
	authority     string
	clientID      string
	subjectType   SubjectType
	uniqueID      string
	displayableID string
}

func (k Key) hash() hashKey {
	return hashKey{
		authority:     k.Authority,
		clientID:      strings.ToLower(k.ClientID),
		subjectType:   k.SubjectType,
		uniqueID:      k.UniqueID,
		displayableID: strings.ToLower(k.DisplayableID),
	}
}

// UserInfo is the user identity block stored with a legacy entry.
type UserInfo struct {
	UniqueID         string `json:"unique_id,omitempty"`
	DisplayableID    string `json:"displayable_id,omitempty"`
	GivenName        string `json:"given_name,omitempty"`
	FamilyName       string `json:"family_name,omitempty"`
	IdentityProvider string `json:"identity_provider,omitempty"`
}

// Entry pairs a Key with the wrapper the legacy cache stored at it.
// RawClientInfo is absent on entries written before client info existed.
// ResourceInResponse flags a token that is usable across resources.
type Entry struct {
	Key                Key
	UserInfo           UserInfo
	RefreshToken       string
	RawClientInfo      string
	ResourceInResponse string
}

// record is the serialized form of one legacy entry. Key and wrapper are
// flattened into a single flat object; the on-disk cache is a list of these.
type record struct {
	Authority          string      `json:"authority,omitempty"`
	Resource           string      `json:"resource,omitempty"`
	ClientID           string      `json:"client_id,omitempty"`
	SubjectType        SubjectType `json:"subject_type,omitempty"`
	UniqueID           string      `json:"unique_id,omitempty"`
	DisplayableID      string      `json:"displayable_id,omitempty"`
	GivenName          string      `json:"given_name,omitempty"`
	FamilyName         string      `json:"family_name,omitempty"`
	IdentityProvider   string      `json:"identity_provider,omitempty"`
	RefreshToken       string      `json:"refresh_token,omitempty"`
	RawClientInfo      string      `json:"client_info,omitempty"`
	ResourceInResponse string      `json:"resource_in_response,omitempty"`
}

func (e Entry) toRecord() record {
	return record{
		Authority:          e.Key.Authority,
		Resource:           e.Key.Resource,
		ClientID:           e.Key.ClientID,
		SubjectType:        e.Key.SubjectType,
		UniqueID:           e.Key.UniqueID,
		DisplayableID:      e.Key.DisplayableID,
		GivenName:          e.UserInfo.GivenName,
		FamilyName:         e.UserInfo.FamilyName,
		IdentityProvider:   e.UserInfo.IdentityProvider,
		RefreshToken:       e.RefreshToken,
		RawClientInfo:      e.RawClientInfo,
		ResourceInResponse: e.ResourceInResponse,
	}
}

func (r record) toEntry() (Entry, error) {
	key, err := NewKey(r.Authority, r.Resource, r.ClientID, r.SubjectType, r.UniqueID, r.DisplayableID)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Key: key,
		UserInfo: UserInfo{
			UniqueID:         r.UniqueID,
			DisplayableID:    r.DisplayableID,
			GivenName:        r.GivenName,
			FamilyName:       r.FamilyName,
			IdentityProvider: r.IdentityProvider,
		},
		RefreshToken:       r.RefreshToken,
		RawClientInfo:      r.RawClientInfo,
		ResourceInResponse: r.ResourceInResponse,
	}, nil
}
