package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/apperror"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/statemachine"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AppointmentModel is the GORM model for the appointments table.
type AppointmentModel struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Status       string          `gorm:"not null;size:30;index"`
	ScheduledAt  time.Time       `gorm:"not null"`
	ClientID     uuid.UUID       `gorm:"type:uuid;index;not null"`
	ClientName   string          `gorm:"size:200"`
	DriverID     *uuid.UUID      `gorm:"type:uuid;index"`
	DriverName   string          `gorm:"size:200"`
	PickupLat    float64         `gorm:"not null"`
	PickupLng    float64         `gorm:"not null"`
	Payment      json.RawMessage `gorm:"type:jsonb"`
	CancelReason string          `gorm:"size:500"`
	Version      int64           `gorm:"not null;default:1"`
	CreatedAt    time.Time       `gorm:"not null"`
	UpdatedAt    time.Time       `gorm:"not null"`
}

// TableName returns the table name for the GORM model.
func (AppointmentModel) TableName() string {
	return "appointments"
}

// GormAppointmentRepository stores appointments in Postgres. It is the
// state machine's Store.
type GormAppointmentRepository struct {
	db *gorm.DB
}

var _ statemachine.Store = (*GormAppointmentRepository)(nil)

// NewGormAppointmentRepository creates a new GormAppointmentRepository.
func NewGormAppointmentRepository(db *gorm.DB) *GormAppointmentRepository {
	return &GormAppointmentRepository{db: db}
}

// Create inserts a new appointment. It reports false when the appointment
// already exists, which makes intake idempotent.
func (r *GormAppointmentRepository) Create(ctx context.Context, snap appointment.Snapshot) (bool, error) {
	model, err := toAppointmentModel(snap)
	if err != nil {
		return false, fmt.Errorf("failed to convert appointment to model: %w", err)
	}
	model.CreatedAt = snap.LastUpdatedAt

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(model)
	if result.Error != nil {
		return false, fmt.Errorf("failed to save appointment: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Persist implements statemachine.Store. The row is only overwritten by a
// strictly newer version; an unknown appointment is inserted.
func (r *GormAppointmentRepository) Persist(ctx context.Context, intent statemachine.Intent) error {
	model, err := toAppointmentModel(intent.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to convert appointment to model: %w", err)
	}

	result := r.db.WithContext(ctx).
		Model(&AppointmentModel{}).
		Where("id = ? AND version < ?", model.ID, model.Version).
		Updates(map[string]interface{}{
			"status":        model.Status,
			"scheduled_at":  model.ScheduledAt,
			"client_id":     model.ClientID,
			"client_name":   model.ClientName,
			"driver_id":     model.DriverID,
			"driver_name":   model.DriverName,
			"pickup_lat":    model.PickupLat,
			"pickup_lng":    model.PickupLng,
			"payment":       model.Payment,
			"cancel_reason": model.CancelReason,
			"version":       model.Version,
			"updated_at":    model.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update appointment: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var stored AppointmentModel
	err = r.db.WithContext(ctx).Where("id = ?", model.ID).First(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model.CreatedAt = model.UpdatedAt
		if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
			return fmt.Errorf("failed to save appointment: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read stored appointment: %w", err)
	}
	if stored.Version == model.Version {
		same, err := sameStoredContent(&stored, model)
		if err != nil {
			return err
		}
		if same {
			// Already stored by an earlier attempt.
			return nil
		}
		return apperror.NewConflictError(fmt.Sprintf("appointment %s version %d is stored with different content", model.ID, model.Version))
	}
	return apperror.NewConflictError(fmt.Sprintf("appointment %s is stored at version %d, newer than %d", model.ID, stored.Version, model.Version))
}

// Fetch implements statemachine.Store.
func (r *GormAppointmentRepository) Fetch(ctx context.Context, id uuid.UUID) (appointment.Snapshot, error) {
	var model AppointmentModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appointment.Snapshot{}, apperror.NewNotFoundError("appointment", id.String())
		}
		return appointment.Snapshot{}, fmt.Errorf("failed to find appointment by ID: %w", err)
	}
	return toSnapshot(&model)
}

// ListActive returns every appointment that has not reached a terminal status.
func (r *GormAppointmentRepository) ListActive(ctx context.Context) ([]appointment.Snapshot, error) {
	terminal := []string{string(appointment.StatusCompleted), string(appointment.StatusCancelled), "delivered"}
	var models []AppointmentModel
	if err := r.db.WithContext(ctx).
		Where("status NOT IN ?", terminal).
		Order("scheduled_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list active appointments: %w", err)
	}
	return toSnapshots(models)
}

// ListAll retrieves all appointments with pagination (admin).
func (r *GormAppointmentRepository) ListAll(ctx context.Context, page, limit int) ([]appointment.Snapshot, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&AppointmentModel{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count appointments: %w", err)
	}

	var models []AppointmentModel
	offset := (page - 1) * limit
	if err := r.db.WithContext(ctx).
		Order("scheduled_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list appointments: %w", err)
	}

	snaps, err := toSnapshots(models)
	if err != nil {
		return nil, 0, err
	}
	return snaps, total, nil
}

// CountByStatus returns appointment counts grouped by status (admin).
func (r *GormAppointmentRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var results []statusCount
	if err := r.db.WithContext(ctx).Model(&AppointmentModel{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}

	counts := make(map[string]int64)
	for _, sc := range results {
		status := sc.Status
		if parsed, err := appointment.ParseStatus(sc.Status); err == nil {
			status = string(parsed)
		}
		counts[status] += sc.Count
	}
	return counts, nil
}

// Ping checks the database connection for readiness probes.
func (r *GormAppointmentRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- Conversion Helpers ---

func toAppointmentModel(s appointment.Snapshot) (*AppointmentModel, error) {
	var paymentJSON json.RawMessage
	if s.Payment != nil {
		data, err := json.Marshal(s.Payment)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payment: %w", err)
		}
		paymentJSON = data
	}

	m := &AppointmentModel{
		ID:           s.ID,
		Status:       string(s.Status),
		ScheduledAt:  s.ScheduledAt,
		ClientID:     s.Client.ID,
		ClientName:   s.Client.DisplayName,
		PickupLat:    s.PickupLocation.Latitude,
		PickupLng:    s.PickupLocation.Longitude,
		Payment:      paymentJSON,
		CancelReason: s.CancelReason,
		Version:      s.Version,
		UpdatedAt:    s.LastUpdatedAt,
	}
	if s.Driver != nil {
		id := s.Driver.ID
		m.DriverID = &id
		m.DriverName = s.Driver.DisplayName
	}
	return m, nil
}

func toSnapshot(m *AppointmentModel) (appointment.Snapshot, error) {
	status, err := appointment.ParseStatus(m.Status)
	if err != nil {
		return appointment.Snapshot{}, err
	}

	s := appointment.Snapshot{
		ID:             m.ID,
		Status:         status,
		ScheduledAt:    m.ScheduledAt.UTC(),
		Client:         appointment.PartyRef{ID: m.ClientID, Role: appointment.RoleClient, DisplayName: m.ClientName},
		PickupLocation: geo.Point{Latitude: m.PickupLat, Longitude: m.PickupLng},
		CancelReason:   m.CancelReason,
		LastUpdatedAt:  m.UpdatedAt.UTC(),
		Version:        m.Version,
	}
	if m.DriverID != nil {
		s.Driver = &appointment.PartyRef{ID: *m.DriverID, Role: appointment.RoleDriver, DisplayName: m.DriverName}
	}
	if len(m.Payment) > 0 && string(m.Payment) != "null" {
		var p appointment.PaymentRef
		if err := json.Unmarshal(m.Payment, &p); err != nil {
			return appointment.Snapshot{}, fmt.Errorf("failed to unmarshal payment: %w", err)
		}
		s.Payment = &p
	}
	return s, nil
}

// sameStoredContent compares two rows of the same version. Timestamps are
// compared at the database's microsecond precision.
func sameStoredContent(stored, incoming *AppointmentModel) (bool, error) {
	a, err := toSnapshot(stored)
	if err != nil {
		return false, err
	}
	b, err := toSnapshot(incoming)
	if err != nil {
		return false, err
	}
	a.ScheduledAt = a.ScheduledAt.Truncate(time.Microsecond)
	b.ScheduledAt = b.ScheduledAt.Truncate(time.Microsecond)
	return a.SameContent(b), nil
}

func toSnapshots(models []AppointmentModel) ([]appointment.Snapshot, error) {
	snaps := make([]appointment.Snapshot, len(models))
	for i := range models {
		s, err := toSnapshot(&models[i])
		if err != nil {
			return nil, err
		}
		snaps[i] = s
	}
	return snaps, nil
}
