package tests

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"fileexchange/portal/auth"
	"fileexchange/portal/mailer"
	"fileexchange/portal/schema"
	"fileexchange/portal/services"
	"fileexchange/portal/storage"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	portal   services.Portal
	api      chi.Router
	storage  storage.Storage
	filesDir string
	audit    *bytes.Buffer
	db       *gorm.DB
}

const (
	adminUsername = "admin123"
	adminEmail    = "admin123@mail.com"
	adminPassword = "admin_password123"

	inviteBypassCode = "LETMEIN99"
)

type envOptions struct {
	inviteBypass string
}

func setupTestEnv(t *testing.T) *testEnv {
	return setupTestEnvWithOptions(t, envOptions{})
}

func setupTestEnvWithOptions(t *testing.T, opts envOptions) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	err = db.AutoMigrate(&schema.User{}, &schema.Invite{})
	if err != nil {
		t.Fatal(err)
	}

	filesDir := filepath.Join(t.TempDir(), "files")
	err = os.MkdirAll(filesDir, 0777)
	if err != nil {
		t.Fatalf("error creating files directory: %v", err)
	}

	store := storage.NewSharedDisk(filesDir)

	audit := new(bytes.Buffer)
	auditLog := auth.NewAuditLogger(audit)

	sessions, err := auth.NewSessionProvider(db, auditLog, auth.SessionProviderArgs{
		Secret:        []byte("290zcv02ai249"),
		AdminUsername: adminUsername,
		AdminEmail:    adminEmail,
		AdminPassword: adminPassword,
	})
	if err != nil {
		t.Fatal(err)
	}

	mail := mailer.New(mailer.Settings{Enabled: false})

	portal := services.NewPortal(db, store, sessions, auditLog, mail, services.PortalArgs{
		InviteBypass:   opts.inviteBypass,
		MaxUploadBytes: 10 * 1024 * 1024,
	})

	return &testEnv{
		portal:   portal,
		api:      portal.Routes(),
		storage:  store,
		filesDir: filesDir,
		audit:    audit,
		db:       db,
	}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

func (t *testEnv) newUser(username string) (client, error) {
	c := t.newClient()
	err := c.register(username, username+"@mail.com", username+"_password", "")
	if err != nil {
		return client{}, err
	}

	err = c.login(loginInfo{Username: username, Password: username + "_password"})
	if err != nil {
		return client{}, err
	}

	return c, nil
}

func (t *testEnv) superClient() (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Username: adminUsername, Password: adminPassword})
	return c, err
}

// newStaff creates an account and promotes it to admin via the seeded super.
func (t *testEnv) newStaff(username string) (client, error) {
	c, err := t.newUser(username)
	if err != nil {
		return client{}, err
	}

	super, err := t.superClient()
	if err != nil {
		return client{}, err
	}
	if err := super.setRole(c.userId, schema.RoleAdmin); err != nil {
		return client{}, err
	}

	return c, nil
}
