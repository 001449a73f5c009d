package dbstore

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capturehost/hostpipeline/internal/errors"
)

// IncidentStore is the narrow interface the incident manager depends on
// (spec.md §4.4). A missing DB substitutes NullStore rather than crashing
// the host, per spec.md §9's "never crash on missing DB" instruction.
type IncidentStore interface {
	// CreateActive inserts an ACTIVE incident and returns its id, or (0, nil)
	// if the store is a null object.
	CreateActive(incident Incident) (id uint, err error)
	Resolve(id uint) error
	// ResolveAllActiveForHost resolves every ACTIVE row for hostName — used
	// on cold boot (spec.md §4.4).
	ResolveAllActiveForHost(hostName string) error
}

// ZapStore persists zap iterations (spec.md §4.7 step 5).
type ZapStore interface {
	RecordZapIteration(z ZapResult) error
}

// KPIStore persists deferred KPI measurement results (spec.md §4.5 step 5).
type KPIStore interface {
	UpsertResult(r KPIResult) error
}

// Store bundles every repository this module needs behind one handle so
// services can be constructed with a single dependency.
type Store interface {
	IncidentStore
	ZapStore
	KPIStore
	Close() error
}

// GormStore is the concrete SQLite/MySQL-backed Store, grounded on the
// teacher's datastore package (dual-dialect GORM access, auto-migration,
// structured errors on every DB call).
type GormStore struct {
	db *gorm.DB
}

// Open opens a GORM connection for the given driver ("sqlite" or "mysql")
// and auto-migrates the capture-pipeline tables.
func Open(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, errors.Newf("unsupported database driver %q", driver).
			Component("dbstore").Category(errors.CategoryConfiguration).Build()
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, errors.Newf("open %s database: %w", driver, err).
			Component("dbstore").Category(errors.CategoryDatabase).Build()
	}

	if err := db.AutoMigrate(&Incident{}, &ZapResult{}, &KPIResult{}); err != nil {
		return nil, errors.Newf("auto-migrate: %w", err).
			Component("dbstore").Category(errors.CategoryDatabase).Build()
	}

	return &GormStore{db: db}, nil
}

func (s *GormStore) CreateActive(incident Incident) (uint, error) {
	incident.Active = true
	if incident.StartedAt.IsZero() {
		incident.StartedAt = time.Now().UTC()
	}
	if err := s.db.Create(&incident).Error; err != nil {
		return 0, errors.Newf("create incident: %w", err).
			Component("dbstore").Category(errors.CategoryIncident).Build()
	}
	return incident.ID, nil
}

func (s *GormStore) Resolve(id uint) error {
	now := time.Now().UTC()
	res := s.db.Model(&Incident{}).Where("id = ? AND active = ?", id, true).
		Updates(map[string]any{"active": false, "resolved_at": now})
	if res.Error != nil {
		return errors.Newf("resolve incident %d: %w", id, res.Error).
			Component("dbstore").Category(errors.CategoryIncident).Build()
	}
	return nil
}

func (s *GormStore) ResolveAllActiveForHost(hostName string) error {
	now := time.Now().UTC()
	res := s.db.Model(&Incident{}).Where("host_name = ? AND active = ?", hostName, true).
		Updates(map[string]any{"active": false, "resolved_at": now})
	if res.Error != nil {
		return errors.Newf("resolve all active incidents for host %s: %w", hostName, res.Error).
			Component("dbstore").Category(errors.CategoryIncident).Build()
	}
	return nil
}

func (s *GormStore) RecordZapIteration(z ZapResult) error {
	if z.CreatedAt.IsZero() {
		z.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&z).Error; err != nil {
		return errors.Newf("record zap iteration: %w", err).
			Component("dbstore").Category(errors.CategoryZapping).Build()
	}
	return nil
}

func (s *GormStore) UpsertResult(r KPIResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res := s.db.Where("execution_result_id = ?", r.ExecutionResultID).
		Assign(r).FirstOrCreate(&KPIResult{ExecutionResultID: r.ExecutionResultID})
	if res.Error != nil {
		return errors.Newf("upsert kpi result %s: %w", r.ExecutionResultID, res.Error).
			Component("dbstore").Category(errors.CategoryKPI).Build()
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NullStore is the sentinel-free substitute for a missing/unreachable
// database: every write is a no-op that returns success, exactly matching
// spec.md §7's "DB unavailable: incidents are not created; service
// continues, producing only filesystem artifacts" policy.
type NullStore struct{}

func (NullStore) CreateActive(Incident) (uint, error) { return 0, nil }
func (NullStore) Resolve(uint) error                  { return nil }
func (NullStore) ResolveAllActiveForHost(string) error { return nil }
func (NullStore) RecordZapIteration(ZapResult) error  { return nil }
func (NullStore) UpsertResult(KPIResult) error        { return nil }
func (NullStore) Close() error                        { return nil }

var _ Store = (*GormStore)(nil)
var _ Store = NullStore{}

// DSNDescription redacts credentials from a DSN for logging, mirroring the
// teacher's redactSensitiveInfo helper.
func DSNDescription(driver, dsn string) string {
	return fmt.Sprintf("%s://%s", driver, redact(dsn))
}

func redact(dsn string) string {
	if len(dsn) > 24 {
		return dsn[:8] + "...redacted..." + dsn[len(dsn)-8:]
	}
	return "redacted"
}
