package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"fileexchange/portal/auth"
	"fileexchange/portal/mailer"
	"fileexchange/portal/schema"
	"fileexchange/portal/services"
	"fileexchange/portal/storage"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	slogmulti "github.com/samber/slog-multi"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type portalEnv struct {
	AppName  string `env:"APP_NAME" envDefault:"File Exchange"`
	FilesDir string `env:"FILES_DIR,required"`
	AuditLog string `env:"AUDIT_LOG"`

	DatabaseUri string `env:"DATABASE_URI" envDefault:"sqlite://portal.db"`
	SecretKey   string `env:"SECRET_KEY,required"`

	MaxContentLength int64 `env:"MAX_CONTENT_LENGTH" envDefault:"104857600"`

	InviteCode string `env:"INVITE_CODE"`

	AdminUsername string `env:"ADMIN_USERNAME,required"`
	AdminEmail    string `env:"ADMIN_MAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD,required"`

	CorsOrigin string `env:"CORS_ORIGIN" envDefault:"*"`

	Mail mailer.Settings `env:""`
}

/**
 * ==========================================================================
 * ==== All variables that are used by the portal must be loaded here.   ====
 * ==== This is to make the data flow clear so that a user can see what  ====
 * ==== variables are exposed, and how the values are propagated through ====
 * ==== the system.                                                      ====
 * ==========================================================================
 */
func loadEnv() portalEnv {
	cfg := portalEnv{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error loading environment variables: %v", err)
	}
	if cfg.AuditLog == "" {
		cfg.AuditLog = filepath.Join(cfg.FilesDir, "logs/audit.log")
	}
	return cfg
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

func initLogging(logFile *os.File) {
	jsonHandler := slog.NewJSONHandler(logFile, nil)
	textHandler := slog.NewTextHandler(os.Stderr, nil)

	slog.SetDefault(slog.New(slogmulti.Fanout(jsonHandler, textHandler)))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

func postgresDsn(uri string) string {
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initDb(uri string) *gorm.DB {
	var dialector gorm.Dialector
	if strings.HasPrefix(uri, "sqlite://") {
		dialector = sqlite.Open(strings.TrimPrefix(uri, "sqlite://"))
	} else {
		dialector = postgres.Open(postgresDsn(uri))
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	err = db.AutoMigrate(&schema.User{}, &schema.Invite{})
	if err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	env := loadEnv()

	err := os.MkdirAll(filepath.Join(env.FilesDir, "logs/"), 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}
	err = os.MkdirAll(filepath.Join(env.FilesDir, services.ApprovedDir), 0777)
	if err != nil {
		log.Fatalf("error creating approved dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(env.FilesDir, "logs/portal.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	auditStream, err := os.OpenFile(env.AuditLog, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening audit log file: %v", err)
	}
	defer auditStream.Close()

	initLogging(logFile)

	if env.InviteCode != "" {
		slog.Warn("a registration bypass code is configured, anyone holding it can register")
	}

	db := initDb(env.DatabaseUri)

	auditLog := auth.NewAuditLogger(auditStream)

	sessions, err := auth.NewSessionProvider(db, auditLog, auth.SessionProviderArgs{
		Secret:        []byte(env.SecretKey),
		AdminUsername: env.AdminUsername,
		AdminEmail:    env.AdminEmail,
		AdminPassword: env.AdminPassword,
	})
	if err != nil {
		log.Fatalf("error creating session provider: %v", err)
	}

	env.Mail.AppName = env.AppName
	mail := mailer.New(env.Mail)

	sharedStorage := storage.NewSharedDisk(env.FilesDir)

	portal := services.NewPortal(db, sharedStorage, sessions, auditLog, mail, services.PortalArgs{
		InviteBypass:   env.InviteCode,
		MaxUploadBytes: env.MaxContentLength,
	})

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{env.CorsOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", portal.Routes())

	slog.Info("starting server", "port", *port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
}
