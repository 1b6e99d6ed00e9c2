package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/phaabe/live.moafunk.de/model"

	"gorm.io/gorm"
)

// RecordingRepository defines data operations on recording versions.
type RecordingRepository interface {
	CreateVersion(v *model.RecordingVersion) error
	GetVersion(showID int64, version string) (*model.RecordingVersion, error)
	ListVersionsByShow(showID int64) ([]*model.RecordingVersion, error)
	MarkFinalizing(showID int64, version string) error
	MarkFinalized(showID int64, version, finalKey string) error
	MarkFailed(showID int64, version, errorMessage string) error
}

// ShowRepository validates that shows referenced by recordings exist.
type ShowRepository interface {
	GetShowByID(id int64) (*model.Show, error)
}

type gormRecordingRepository struct {
	db *gorm.DB
}

// NewGormRecordingRepository creates a RecordingRepository backed by GORM.
func NewGormRecordingRepository(db *gorm.DB) RecordingRepository {
	return &gormRecordingRepository{db: db}
}

func (r *gormRecordingRepository) CreateVersion(v *model.RecordingVersion) error {
	if v.Status == "" {
		v.Status = model.VersionStatusRecording
	}
	if err := r.db.Create(v).Error; err != nil {
		return fmt.Errorf("failed to create recording version: %w", err)
	}
	return nil
}

func (r *gormRecordingRepository) GetVersion(showID int64, version string) (*model.RecordingVersion, error) {
	var v model.RecordingVersion
	err := r.db.Where("show_id = ? AND version = ?", showID, version).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recording version: %w", err)
	}
	return &v, nil
}

func (r *gormRecordingRepository) ListVersionsByShow(showID int64) ([]*model.RecordingVersion, error) {
	var versions []*model.RecordingVersion
	err := r.db.Where("show_id = ?", showID).Order("version DESC").Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recording versions: %w", err)
	}
	return versions, nil
}

func (r *gormRecordingRepository) MarkFinalizing(showID int64, version string) error {
	return r.updateStatus(showID, version, map[string]interface{}{
		"status":        model.VersionStatusFinalizing,
		"error_message": nil,
	})
}

func (r *gormRecordingRepository) MarkFinalized(showID int64, version, finalKey string) error {
	now := time.Now()
	return r.updateStatus(showID, version, map[string]interface{}{
		"status":        model.VersionStatusFinalized,
		"final_key":     finalKey,
		"finalized_at":  &now,
		"error_message": nil,
	})
}

func (r *gormRecordingRepository) MarkFailed(showID int64, version, errorMessage string) error {
	return r.updateStatus(showID, version, map[string]interface{}{
		"status":        model.VersionStatusFailed,
		"error_message": errorMessage,
	})
}

func (r *gormRecordingRepository) updateStatus(showID int64, version string, fields map[string]interface{}) error {
	res := r.db.Model(&model.RecordingVersion{}).
		Where("show_id = ? AND version = ?", showID, version).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update recording version status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("recording version not found: show %d version %s", showID, version)
	}
	return nil
}

type gormShowRepository struct {
	db *gorm.DB
}

// NewGormShowRepository creates a ShowRepository backed by GORM.
func NewGormShowRepository(db *gorm.DB) ShowRepository {
	return &gormShowRepository{db: db}
}

// GetShowByID returns the show or nil when it does not exist.
func (r *gormShowRepository) GetShowByID(id int64) (*model.Show, error) {
	var show model.Show
	err := r.db.First(&show, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load show %d: %w", id, err)
	}
	return &show, nil
}
