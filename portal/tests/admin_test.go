package tests

import (
	"errors"
	"testing"
)

func TestUserAdministration(t *testing.T) {
	env := setupTestEnv(t)

	super, err := env.superClient()
	if err != nil {
		t.Fatal(err)
	}

	err = super.createUser("staffer", "staffer@mail.com", "staffer_password", "admin")
	if err != nil {
		t.Fatal(err)
	}

	err = super.createUser("staffer", "other@mail.com", "staffer_password", "admin")
	if err == nil {
		t.Fatal("duplicate username should fail")
	}

	err = super.createUser("weirdo", "weirdo@mail.com", "weirdo_password", "emperor")
	if err == nil {
		t.Fatal("invalid role should fail")
	}

	users, err := super.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users: %v", users)
	}

	staffer := env.newClient()
	err = staffer.login(loginInfo{Username: "staffer", Password: "staffer_password"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = staffer.listUsers()
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("admins cannot manage users, supers only: %v", err)
	}
}

func TestRoleChanges(t *testing.T) {
	env := setupTestEnv(t)

	super, err := env.superClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("climber")
	if err != nil {
		t.Fatal(err)
	}

	if err := super.setRole(user.userId, "admin"); err != nil {
		t.Fatal(err)
	}

	info, err := user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info["role"] != "admin" {
		t.Fatalf("role change not applied: %v", info)
	}

	if err := super.setRole(user.userId, "user"); err != nil {
		t.Fatal(err)
	}

	info, err = user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info["role"] != "user" {
		t.Fatalf("demotion not applied: %v", info)
	}
}

func TestLastSuperGuards(t *testing.T) {
	env := setupTestEnv(t)

	super, err := env.superClient()
	if err != nil {
		t.Fatal(err)
	}

	// All self-targeting admin actions are refused, which also protects the
	// only super account.
	if err := super.deleteUser(super.userId); err == nil {
		t.Fatal("cannot delete own account")
	}
	if err := super.setRole(super.userId, "user"); err == nil {
		t.Fatal("cannot demote own account")
	}
	if err := super.setActive(super.userId, false); err == nil {
		t.Fatal("cannot deactivate own account")
	}

	// A second super can be stripped while the first remains.
	err = super.createUser("super2", "super2@mail.com", "super2_password", "super")
	if err != nil {
		t.Fatal(err)
	}

	users, err := super.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	var super2Id string
	for _, u := range users {
		if u["username"] == "super2" {
			super2Id = u["id"].(string)
		}
	}
	if super2Id == "" {
		t.Fatal("super2 not found in listing")
	}

	if err := super.setActive(super2Id, false); err != nil {
		t.Fatal(err)
	}

	// With super2 inactive, the seeded super is the last active one again.
	super2 := env.newClient()
	if err := super2.login(loginInfo{Username: "super2", Password: "super2_password"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("deactivated super should not log in: %v", err)
	}

	if err := super.setActive(super2Id, true); err != nil {
		t.Fatal(err)
	}
	if err := super.deleteUser(super2Id); err != nil {
		t.Fatal(err)
	}
}

func TestLastSuperGuardFromSecondSuper(t *testing.T) {
	env := setupTestEnv(t)

	super, err := env.superClient()
	if err != nil {
		t.Fatal(err)
	}

	err = super.createUser("super2", "super2@mail.com", "super2_password", "super")
	if err != nil {
		t.Fatal(err)
	}

	super2 := env.newClient()
	if err := super2.login(loginInfo{Username: "super2", Password: "super2_password"}); err != nil {
		t.Fatal(err)
	}

	// super2 removes the seeded super, then becomes untouchable itself.
	if err := super2.deleteUser(super.userId); err != nil {
		t.Fatal(err)
	}

	if err := super2.setActive(super2.userId, false); err == nil {
		t.Fatal("cannot deactivate own account")
	}

	err = super2.createUser("helper", "helper@mail.com", "helper_password", "super")
	if err != nil {
		t.Fatal(err)
	}

	helper := env.newClient()
	if err := helper.login(loginInfo{Username: "helper", Password: "helper_password"}); err != nil {
		t.Fatal(err)
	}

	if err := helper.deleteUser(super2.userId); err != nil {
		t.Fatal(err)
	}
	if err := super2.deleteUser(helper.userId); err == nil {
		t.Fatal("deleted super's token should be rejected")
	}
}

func TestPasswordReset(t *testing.T) {
	env := setupTestEnv(t)

	super, err := env.superClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("forgetful")
	if err != nil {
		t.Fatal(err)
	}

	if err := super.resetPassword(user.userId, "short"); err == nil {
		t.Fatal("short replacement password should be rejected")
	}

	if err := super.resetPassword(user.userId, "fresh_password"); err != nil {
		t.Fatal(err)
	}

	fresh := env.newClient()
	err = fresh.login(loginInfo{Username: "forgetful", Password: "forgetful_password"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old password should no longer work: %v", err)
	}
	if err := fresh.login(loginInfo{Username: "forgetful", Password: "fresh_password"}); err != nil {
		t.Fatal(err)
	}
}
