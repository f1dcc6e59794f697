package kgorm

import (
	"context"
	"time"

	"github.com/getkayan/kayan-connect/core/audit"
	"github.com/google/uuid"
)

func (r *Repository) SaveEvent(ctx context.Context, event *audit.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	return translate(r.db.WithContext(ctx).Create(fromCoreAuditEvent(event)).Error, "save audit event")
}

func (r *Repository) Query(ctx context.Context, filter audit.Filter) ([]audit.AuditEvent, error) {
	q := r.db.WithContext(ctx).Model(&gormAuditEvent{})
	if len(filter.Types) > 0 {
		q = q.Where("type IN ?", filter.Types)
	}
	if filter.SubjectID != "" {
		q = q.Where("subject_id = ?", filter.SubjectID)
	}
	if filter.RegistrationID != "" {
		q = q.Where("registration_id = ?", filter.RegistrationID)
	}
	if !filter.StartTime.IsZero() {
		q = q.Where("created_at >= ?", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q = q.Where("created_at < ?", filter.EndTime)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []gormAuditEvent
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, translate(err, "query audit events")
	}
	out := make([]audit.AuditEvent, 0, len(rows))
	for i := range rows {
		out = append(out, toCoreAuditEvent(&rows[i]))
	}
	return out, nil
}

func (r *Repository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", olderThan).Delete(&gormAuditEvent{})
	if res.Error != nil {
		return 0, translate(res.Error, "purge audit events")
	}
	return res.RowsAffected, nil
}
