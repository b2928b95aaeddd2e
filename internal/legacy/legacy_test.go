// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package legacy

import (
	"encoding/base64"
	"testing"

	"github.com/AzureAD/microsoft-authentication-cache-for-go/internal/tokens"
	"github.com/kylelemons/godebug/pretty"
)

const (
	testAuthority = "https://login.microsoftonline.com/contoso"
	testEnv       = "login.microsoftonline.com"
	testClientID  = "client"
	testUser      = "alice@contoso.com"
	testUniqueID  = "object1234"
)

func rawClientInfo(uid, utid string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(`{"uid":"` + uid + `","utid":"` + utid + `"}`))
}

func testIDToken() tokens.IDToken {
	return tokens.IDToken{
		PreferredUsername: testUser,
		GivenName:         "Alice",
		FamilyName:        "Smith",
	}
}

func writeTestToken(m *Manager, secret, familyID, raw string) {
	rt := tokens.NewRefreshToken("uid1.tid1", testEnv, testClientID, secret, familyID)
	m.WriteRefreshToken(rt, raw, testIDToken(), testAuthority, testUniqueID, []string{"user.read"})
}

func TestWriteRefreshToken(t *testing.T) {
	m := New()
	writeTestToken(m, "secret", "", rawClientInfo("uid1", "tid1"))

	entries := m.all()
	if len(entries) != 1 {
		t.Fatalf("TestWriteRefreshToken: got %d entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.RefreshToken != "secret" {
		t.Errorf("TestWriteRefreshToken: got refresh token %q, want secret", entry.RefreshToken)
	}
	if entry.Key.SubjectType != SubjectTypeUser {
		t.Errorf("TestWriteRefreshToken: got subject type %q, want User", entry.Key.SubjectType)
	}
	if entry.ResourceInResponse != "user.read" {
		t.Errorf("TestWriteRefreshToken: got resource_in_response %q, want user.read", entry.ResourceInResponse)
	}
	if entry.UserInfo.DisplayableID != testUser {
		t.Errorf("TestWriteRefreshToken: got displayable id %q, want %q", entry.UserInfo.DisplayableID, testUser)
	}
}

func TestWriteRefreshTokenResourceCollision(t *testing.T) {
	m := New()

	rt := tokens.NewRefreshToken("uid1.tid1", testEnv, testClientID, "first", "")
	m.WriteRefreshToken(rt, "", testIDToken(), testAuthority, testUniqueID, []string{"https://graph.microsoft.com/.default"})
	rt.Secret = "second"
	m.WriteRefreshToken(rt, "", testIDToken(), testAuthority, testUniqueID, []string{"https://vault.azure.net/.default"})

	entries := m.all()
	if len(entries) != 1 {
		t.Fatalf("TestWriteRefreshTokenResourceCollision: got %d entries, want 1 (resource is excluded from equality)", len(entries))
	}
	if entries[0].RefreshToken != "second" {
		t.Errorf("TestWriteRefreshTokenResourceCollision: got %q, want the last write to win", entries[0].RefreshToken)
	}
}

func TestWriteRefreshTokenSkipsFamilyTokens(t *testing.T) {
	m := New()
	writeTestToken(m, "secret", "1", rawClientInfo("uid1", "tid1"))

	if got := len(m.all()); got != 0 {
		t.Fatalf("TestWriteRefreshTokenSkipsFamilyTokens: got %d entries, want 0", got)
	}
	users := m.AllUsers(testClientID)
	if len(users.WithClientInfo) != 0 || len(users.WithoutClientInfo) != 0 {
		t.Error("TestWriteRefreshTokenSkipsFamilyTokens: a family token must leave no trace in the legacy cache")
	}
}

func TestWriteRefreshTokenSkipsEmptyToken(t *testing.T) {
	m := New()
	writeTestToken(m, "", "", "")
	if got := len(m.all()); got != 0 {
		t.Fatalf("TestWriteRefreshTokenSkipsEmptyToken: got %d entries, want 0", got)
	}
}

func TestWriteRefreshTokenEnvironmentMismatch(t *testing.T) {
	m := New()

	// Authority host disagrees with the token's environment.
	rt := tokens.NewRefreshToken("uid1.tid1", "login.windows.net", testClientID, "secret", "")
	m.WriteRefreshToken(rt, "", testIDToken(), testAuthority, testUniqueID, []string{"user.read"})
	if got := len(m.all()); got != 0 {
		t.Fatalf("TestWriteRefreshTokenEnvironmentMismatch(authority): got %d entries, want 0", got)
	}

	// ID token issuer disagrees with the token's environment.
	rt = tokens.NewRefreshToken("uid1.tid1", testEnv, testClientID, "secret", "")
	idToken := testIDToken()
	idToken.Issuer = "https://sts.windows.net/tid1/"
	m.WriteRefreshToken(rt, "", idToken, testAuthority, testUniqueID, []string{"user.read"})
	if got := len(m.all()); got != 0 {
		t.Fatalf("TestWriteRefreshTokenEnvironmentMismatch(issuer): got %d entries, want 0", got)
	}
}

func TestAllUsers(t *testing.T) {
	m := New()

	writeTestToken(m, "secret", "", rawClientInfo("uid1", "tid1"))

	// An entry written before client info existed.
	bob := tokens.NewRefreshToken("", testEnv, testClientID, "bob secret", "")
	bobID := tokens.IDToken{PreferredUsername: "bob@contoso.com"}
	m.WriteRefreshToken(bob, "", bobID, testAuthority, "bob-uid", []string{"user.read"})

	// Another client's entry must not show up.
	other := tokens.NewRefreshToken("uid9.tid9", testEnv, "otherClient", "other secret", "")
	m.WriteRefreshToken(other, "", testIDToken(), testAuthority, "other-uid", []string{"user.read"})

	users := m.AllUsers(testClientID)

	wantWith := map[tokens.ClientInfo]UserInfo{
		{UID: "uid1", UTID: "tid1"}: {
			UniqueID:      testUniqueID,
			DisplayableID: testUser,
			GivenName:     "Alice",
			FamilyName:    "Smith",
		},
	}
	if diff := pretty.Compare(wantWith, users.WithClientInfo); diff != "" {
		t.Errorf("TestAllUsers(with client info): -want/+got:\n%s", diff)
	}

	if len(users.WithoutClientInfo) != 1 || users.WithoutClientInfo[0].DisplayableID != "bob@contoso.com" {
		t.Errorf("TestAllUsers(without client info): got %+v", users.WithoutClientInfo)
	}

	// Client id filtering is case-insensitive.
	if got := m.AllUsers("CLIENT"); len(got.WithClientInfo) != 1 {
		t.Error("TestAllUsers: client id filter should be case-insensitive")
	}
}

func TestRefreshTokenLookup(t *testing.T) {
	m := New()
	writeTestToken(m, "secret", "", rawClientInfo("uid1", "tid1"))

	aliases := []string{"login.windows.net", testEnv}

	rt, err := m.RefreshToken(aliases, testClientID, testUser, "")
	if err != nil {
		t.Fatalf("TestRefreshTokenLookup(username): got err == %v, want err == nil", err)
	}
	if rt.Secret != "secret" {
		t.Errorf("TestRefreshTokenLookup(username): got %q, want secret", rt.Secret)
	}
	if rt.HomeAccountID != "uid1.tid1" {
		t.Errorf("TestRefreshTokenLookup(username): got home account id %q, want uid1.tid1", rt.HomeAccountID)
	}
	if rt.Environment != testEnv {
		t.Errorf("TestRefreshTokenLookup(username): got environment %q, want %q", rt.Environment, testEnv)
	}

	if _, err := m.RefreshToken(aliases, testClientID, "", testUniqueID); err != nil {
		t.Errorf("TestRefreshTokenLookup(unique id): got err == %v, want err == nil", err)
	}
	if _, err := m.RefreshToken(aliases, testClientID, "USER@WRONG.COM", ""); err == nil {
		t.Error("TestRefreshTokenLookup(wrong username): got err == nil, want err != nil")
	}
	if _, err := m.RefreshToken(aliases, testClientID, testUser, "wrong-uid"); err == nil {
		t.Error("TestRefreshTokenLookup(wrong unique id): got err == nil, want err != nil")
	}
	if _, err := m.RefreshToken([]string{"sts.example.com"}, testClientID, testUser, ""); err == nil {
		t.Error("TestRefreshTokenLookup(no alias match): got err == nil, want err != nil")
	}
}

func TestRefreshTokenLookupRefusesUnfiltered(t *testing.T) {
	m := New()
	writeTestToken(m, "secret", "", rawClientInfo("uid1", "tid1"))

	if _, err := m.RefreshToken([]string{testEnv}, testClientID, "", ""); err == nil {
		t.Error("an unfiltered scan of all users' tokens must be refused even when entries exist")
	}
}

func TestRemoveUserBothForms(t *testing.T) {
	m := New()

	// The same human user, once with client info and once without (written
	// pre-migration under a different authority so the keys do not collide).
	writeTestToken(m, "secret", "", rawClientInfo("uid1", "tid1"))
	old := tokens.NewRefreshToken("", testEnv, testClientID, "old secret", "")
	m.WriteRefreshToken(old, "", testIDToken(), "https://login.microsoftonline.com/common", "", []string{"user.read"})

	if got := len(m.all()); got != 2 {
		t.Fatalf("TestRemoveUserBothForms: got %d entries before removal, want 2", got)
	}

	m.RemoveUser(testClientID, testUser, "uid1.tid1")

	users := m.AllUsers(testClientID)
	if len(users.WithClientInfo) != 0 || len(users.WithoutClientInfo) != 0 {
		t.Errorf("TestRemoveUserBothForms: got %+v, want both entry forms removed", users)
	}
}

func TestRemoveUserNoFilters(t *testing.T) {
	m := New()
	writeTestToken(m, "secret", "", rawClientInfo("uid1", "tid1"))

	// No displayable id and no account id: logged no-op, nothing removed.
	m.RemoveUser(testClientID, "", "")
	if got := len(m.all()); got != 1 {
		t.Errorf("TestRemoveUserNoFilters: got %d entries, want 1", got)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	m := New()
	writeTestToken(m, "secret", "", rawClientInfo("uid1", "tid1"))

	b, err := m.Marshal()
	if err != nil {
		t.Fatalf("TestMarshalRoundTrip: %v", err)
	}

	other := New()
	if err := other.Unmarshal(b); err != nil {
		t.Fatalf("TestMarshalRoundTrip: %v", err)
	}

	want := m.all()
	got := other.all()
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("TestMarshalRoundTrip: -want/+got:\n%s", diff)
	}
}

func TestUnmarshalDegraded(t *testing.T) {
	m := New()
	if err := m.Unmarshal(nil); err != nil {
		t.Errorf("TestUnmarshalDegraded(nil): got err == %v, want err == nil", err)
	}
	if err := m.Unmarshal([]byte("not json")); err == nil {
		t.Error("TestUnmarshalDegraded(corrupt): got err == nil, want err != nil")
	}

	// A record missing its required key fields is dropped, the rest survive.
	b := []byte(`[
		{"authority":"` + testAuthority + `","client_id":"client","subject_type":"User","displayable_id":"alice@contoso.com","refresh_token":"rt"},
		{"resource":"orphaned record with no authority"}
	]`)
	if err := m.Unmarshal(b); err != nil {
		t.Fatalf("TestUnmarshalDegraded(partial): got err == %v, want err == nil", err)
	}
	if got := len(m.all()); got != 1 {
		t.Errorf("TestUnmarshalDegraded(partial): got %d entries, want 1", got)
	}
}

func TestLegacyHasChanged(t *testing.T) {
	m := New()
	if m.HasChanged() {
		t.Fatal("a fresh manager should not report changes")
	}
	writeTestToken(m, "secret", "", "")
	if !m.HasChanged() {
		t.Fatal("a write should mark the manager changed")
	}
	m.ClearChanged()
	if m.HasChanged() {
		t.Fatal("ClearChanged should reset the flag")
	}
	if err := m.Unmarshal(nil); err != nil {
		t.Fatal(err)
	}
	if m.HasChanged() {
		t.Fatal("Unmarshal should reset the flag")
	}
}
