package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ScheduleWindow is one recurring weekly work window of a professional.
// Weekday follows time.Weekday numbering: 0 is Sunday.
type ScheduleWindow struct {
	bun.BaseModel `bun:"table:work_schedules,alias:ws"`

	ID             int64     `bun:"id,pk,autoincrement"`
	ProfessionalID uuid.UUID `bun:"professional_id,notnull,type:uuid"`
	Weekday        int16     `bun:"weekday,notnull"`
	StartTime      TimeOfDay `bun:"start_time,notnull,type:time"`
	EndTime        TimeOfDay `bun:"end_time,notnull,type:time"`
	IsActive       bool      `bun:"is_active,notnull"`

	Breaks []BreakWindow `bun:"-"`
}

type BreakWindow struct {
	bun.BaseModel `bun:"table:work_schedule_breaks,alias:wb"`

	ID               int64     `bun:"id,pk,autoincrement"`
	ScheduleWindowID int64     `bun:"schedule_window_id,notnull"`
	StartTime        TimeOfDay `bun:"start_time,notnull,type:time"`
	EndTime          TimeOfDay `bun:"end_time,notnull,type:time"`
	IsActive         bool      `bun:"is_active,notnull"`
}

type AbsenceStatus string

const (
	AbsenceStatusPending  AbsenceStatus = "pending"
	AbsenceStatusApproved AbsenceStatus = "approved"
	AbsenceStatusRejected AbsenceStatus = "rejected"
)

// AbsenceInterval blocks whole calendar days, StartDate through EndDate inclusive.
type AbsenceInterval struct {
	bun.BaseModel `bun:"table:vacation_requests,alias:vr"`

	ID             int64         `bun:"id,pk,autoincrement"`
	ProfessionalID uuid.UUID     `bun:"professional_id,notnull,type:uuid"`
	StartDate      time.Time     `bun:"start_date,notnull,type:date"`
	EndDate        time.Time     `bun:"end_date,notnull,type:date"`
	Status         AbsenceStatus `bun:"status,notnull"`
}

// WeekdayOf returns the schedule weekday index for date.
func WeekdayOf(date time.Time) int16 {
	return int16(date.Weekday())
}
