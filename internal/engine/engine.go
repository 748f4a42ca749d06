package engine

import (
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"batchline/internal/audit"
	"batchline/internal/config"
	"batchline/internal/domain"
	"batchline/internal/fault"
	"batchline/internal/repo"
)

// Engine executes workflow commands against the workspace database. Every
// mutating command runs inside a single transaction together with its audit
// trail entries, so either all effects land or none do.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Log    *zap.SugaredLogger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.SugaredLogger) Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func validRole(role string) bool {
	switch role {
	case domain.RoleAdmin, domain.RoleManager, domain.RoleAuditor, domain.RoleOperator, domain.RoleViewer:
		return true
	}
	return false
}

// requireOperate gates production commands: runs, lots, stock and flow edits.
func requireOperate(p domain.Principal) error {
	if p.ID == "" {
		return fault.Validationf("actor id is required")
	}
	switch p.Role {
	case domain.RoleAdmin, domain.RoleManager, domain.RoleOperator:
		return nil
	}
	if !validRole(p.Role) {
		return fault.Permissionf("unknown role %q", p.Role)
	}
	return fault.Permissionf("role %s may not perform this operation", p.Role)
}

// requireQC gates inspection and temperature commands; auditors may record.
func requireQC(p domain.Principal) error {
	if p.ID == "" {
		return fault.Validationf("actor id is required")
	}
	switch p.Role {
	case domain.RoleAdmin, domain.RoleManager, domain.RoleAuditor, domain.RoleOperator:
		return nil
	}
	if !validRole(p.Role) {
		return fault.Permissionf("unknown role %q", p.Role)
	}
	return fault.Permissionf("role %s may not perform this operation", p.Role)
}

// requireManage gates elevated commands: resume, abort, archive, publish, delete.
func requireManage(p domain.Principal) error {
	if p.ID == "" {
		return fault.Validationf("actor id is required")
	}
	switch p.Role {
	case domain.RoleAdmin, domain.RoleManager:
		return nil
	}
	if !validRole(p.Role) {
		return fault.Permissionf("unknown role %q", p.Role)
	}
	return fault.Permissionf("role %s requires ADMIN or MANAGER", p.Role)
}

func wrapNotFound(err error, what, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fault.NotFoundf("%s %s not found", what, id)
	}
	return err
}
