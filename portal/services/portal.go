package services

import (
	"log"
	"net/http"
	"os"

	"fileexchange/portal/auth"
	"fileexchange/portal/index"
	"fileexchange/portal/mailer"
	"fileexchange/portal/storage"
	"fileexchange/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type Portal struct {
	user  UserService
	file  FileService
	admin AdminService

	storage storage.Storage
	db      *gorm.DB
}

type PortalArgs struct {
	InviteBypass   string
	MaxUploadBytes int64
}

func NewPortal(
	db *gorm.DB, store storage.Storage, sessions *auth.SessionProvider, auditLog auth.AuditLogger, mail *mailer.Mailer, args PortalArgs,
) Portal {
	idx := index.New(store.Location())

	return Portal{
		user: UserService{
			db:           db,
			sessions:     sessions,
			auditLog:     auditLog,
			inviteBypass: args.InviteBypass,
		},
		file: FileService{
			db:             db,
			storage:        store,
			index:          idx,
			sessions:       sessions,
			auditLog:       auditLog,
			mailer:         mail,
			maxUploadBytes: args.MaxUploadBytes,
		},
		admin: AdminService{
			db:       db,
			sessions: sessions,
			auditLog: auditLog,
			invites:  &InviteService{db: db, auditLog: auditLog},
		},
		storage: store,
		db:      db,
	}
}

type healthResponse struct {
	Status     string             `json:"status"`
	DiskUsage  storage.UsageStats `json:"disk_usage"`
	FilesDir   string             `json:"files_dir"`
	DbReadable bool               `json:"db_readable"`
}

func (p *Portal) Health(w http.ResponseWriter, r *http.Request) {
	usage, err := p.storage.Usage()
	if err != nil {
		http.Error(w, "error reading disk usage", http.StatusInternalServerError)
		return
	}

	dbReadable := true
	if sqlDb, err := p.db.DB(); err != nil || sqlDb.Ping() != nil {
		dbReadable = false
	}

	utils.WriteJsonResponse(w, healthResponse{
		Status:     "ok",
		DiskUsage:  usage,
		FilesDir:   p.storage.Location(),
		DbReadable: dbReadable,
	})
}

func (p *Portal) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/api/user", p.user.Routes())
	r.Mount("/api/files", p.file.Routes())
	r.Mount("/api/admin", p.admin.Routes())

	r.Get("/health", p.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
