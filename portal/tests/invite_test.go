package tests

import (
	"errors"
	"strings"
	"testing"
)

func TestInviteGeneration(t *testing.T) {
	env := setupTestEnv(t)

	super, err := env.superClient()
	if err != nil {
		t.Fatal(err)
	}

	codes, err := super.generateInvites(3, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 3 {
		t.Fatalf("expected 3 codes, got %d", len(codes))
	}

	seen := map[string]bool{}
	for _, code := range codes {
		if len(code) != 8 {
			t.Fatalf("expected 8 character code, got %q", code)
		}
		if strings.ContainsAny(code, "01IO") {
			t.Fatalf("code %q contains ambiguous characters", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
}

func TestInviteGenerationClamps(t *testing.T) {
	env := setupTestEnv(t)

	super, err := env.superClient()
	if err != nil {
		t.Fatal(err)
	}

	codes, err := super.generateInvites(500, 99)
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 50 {
		t.Fatalf("count should clamp to 50, got %d", len(codes))
	}
	if len(codes[0]) != 10 {
		t.Fatalf("length should clamp to 10, got %d", len(codes[0]))
	}

	codes, err = super.generateInvites(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 1 || len(codes[0]) != 5 {
		t.Fatalf("count/length should clamp up to 1/5, got %d codes of length %d", len(codes), len(codes[0]))
	}
}

func TestInviteGatedRegistration(t *testing.T) {
	env := setupTestEnv(t)

	super, err := env.superClient()
	if err != nil {
		t.Fatal(err)
	}

	// Two invites so the gate stays closed after the first is consumed.
	codes, err := super.generateInvites(2, 6)
	if err != nil {
		t.Fatal(err)
	}
	code := codes[0]

	client := env.newClient()

	err = client.register("nocode", "nocode@mail.com", "password1", "")
	if err == nil {
		t.Fatal("registration without invite should fail once invites exist")
	}

	err = client.register("badcode", "badcode@mail.com", "password1", "WRONG")
	if err == nil {
		t.Fatal("registration with unknown invite should fail")
	}

	err = client.register("goodcode", "goodcode@mail.com", "password1", code)
	if err != nil {
		t.Fatal(err)
	}

	err = client.register("reuse", "reuse@mail.com", "password1", code)
	if err == nil {
		t.Fatal("invite codes are single use")
	}

	invites, err := super.listInvites()
	if err != nil {
		t.Fatal(err)
	}
	used := 0
	for _, invite := range invites {
		if invite["is_used"] == true {
			used++
			if invite["code"] != code || invite["used_by"] != "goodcode" {
				t.Fatalf("invite should be marked used by 'goodcode': %v", invite)
			}
		}
	}
	if len(invites) != 2 || used != 1 {
		t.Fatalf("expected 2 invites with 1 used: %v", invites)
	}
}

func TestInviteBypassCode(t *testing.T) {
	env := setupTestEnvWithOptions(t, envOptions{inviteBypass: inviteBypassCode})

	client := env.newClient()

	err := client.register("first", "first@mail.com", "password1", "")
	if err == nil {
		t.Fatal("bypass configuration gates registration")
	}

	// The bypass code is never consumed.
	for _, username := range []string{"first", "second"} {
		err = client.register(username, username+"@mail.com", "password1", inviteBypassCode)
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestInviteRevoke(t *testing.T) {
	env := setupTestEnv(t)

	super, err := env.superClient()
	if err != nil {
		t.Fatal(err)
	}

	codes, err := super.generateInvites(2, 6)
	if err != nil {
		t.Fatal(err)
	}

	if err := super.revokeInvite(codes[0]); err != nil {
		t.Fatal(err)
	}

	client := env.newClient()
	err = client.register("revoked", "revoked@mail.com", "password1", codes[0])
	if err == nil {
		t.Fatal("revoked invite should not work")
	}

	err = client.register("kept", "kept@mail.com", "password1", codes[1])
	if err != nil {
		t.Fatal(err)
	}

	err = super.revokeInvite(codes[1])
	if err == nil {
		t.Fatal("used invites cannot be revoked")
	}
}

func TestInviteAdminOnlySurface(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("pleb")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.generateInvites(1, 6)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("only supers can generate invites: %v", err)
	}

	_, err = user.listInvites()
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("only supers can list invites: %v", err)
	}
}
