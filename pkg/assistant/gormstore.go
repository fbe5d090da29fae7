package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"clinic-tasks/pkg/authority"
)

type assistantRecord struct {
	ID        string `gorm:"primaryKey"`
	ClinicID  string `gorm:"uniqueIndex:idx_assistants_clinic_email,priority:1;not null"`
	Name      string `gorm:"not null"`
	Email     string `gorm:"uniqueIndex:idx_assistants_clinic_email,priority:2;not null"`
	Role      string `gorm:"not null;default:assistant"`
	IsActive  bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
}

func (assistantRecord) TableName() string { return "assistants" }

func (r assistantRecord) toAssistant() *Assistant {
	return &Assistant{
		ID:        r.ID,
		ClinicID:  r.ClinicID,
		Name:      r.Name,
		Email:     r.Email,
		Role:      authority.Role(r.Role),
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
	}
}

// GormStore is an assistant store over gorm, paired with task.GormStore.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) EnsureTable(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&assistantRecord{}); err != nil {
		return fmt.Errorf("migrate assistants: %w", err)
	}
	return nil
}

func (s *GormStore) Register(ctx context.Context, clinicID, name, email string, role authority.Role) (*Assistant, error) {
	if clinicID == "" || email == "" || !role.Valid() {
		return nil, fmt.Errorf("register assistant %q: %w", email, ErrInvalid)
	}
	rec := assistantRecord{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ClinicID:  clinicID,
		Name:      name,
		Email:     email,
		Role:      string(role),
		IsActive:  true,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("register assistant %s: %w", email, err)
	}

	var got assistantRecord
	if err := db.Where("clinic_id = ? AND email = ?", clinicID, email).First(&got).Error; err != nil {
		return nil, fmt.Errorf("register assistant %s: re-fetch failed: %w", email, err)
	}
	return got.toAssistant(), nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Assistant, error) {
	var rec assistantRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get assistant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get assistant %s: %w", id, err)
	}
	return rec.toAssistant(), nil
}

func (s *GormStore) List(ctx context.Context, clinicID string) ([]Assistant, error) {
	var recs []assistantRecord
	if err := s.db.WithContext(ctx).Where("clinic_id = ?", clinicID).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list assistants: %w", err)
	}
	out := make([]Assistant, len(recs))
	for i, r := range recs {
		out[i] = *r.toAssistant()
	}
	return out, nil
}

func (s *GormStore) Deactivate(ctx context.Context, id string) (*Assistant, error) {
	res := s.db.WithContext(ctx).Model(&assistantRecord{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return nil, fmt.Errorf("deactivate assistant %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("deactivate assistant %s: %w", id, ErrNotFound)
	}
	return s.Get(ctx, id)
}
