package models

import (
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/utils"
)

// FiscalPeriod gates which entries may post with a given date.
// The core only reads periods; opening and closing belongs to the caller.
type FiscalPeriod struct {
	ID            string             `gorm:"primary_key;size:36" json:"id"`
	InstitutionId string             `gorm:"size:64;not null;index:idx_fp_inst_start,priority:1" json:"institution_id"`
	Name          string             `gorm:"size:100;not null" json:"name"`
	StartDate     time.Time          `gorm:"not null;index:idx_fp_inst_start,priority:2" json:"start_date"`
	EndDate       time.Time          `gorm:"not null" json:"end_date"`
	Status        FiscalPeriodStatus `gorm:"size:10;not null;default:'Open'" json:"status"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *FiscalPeriod) Contains(t time.Time) bool {
	return utils.WithinDays(t, p.StartDate, p.EndDate)
}

func (p *FiscalPeriod) IsOpen() bool { return p.Status == FiscalPeriodStatusOpen }

// Overlaps reports whether two periods share at least one day.
func (p *FiscalPeriod) Overlaps(o *FiscalPeriod) bool {
	return !utils.DateOnly(p.EndDate).Before(utils.DateOnly(o.StartDate)) &&
		!utils.DateOnly(o.EndDate).Before(utils.DateOnly(p.StartDate))
}

type NewFiscalPeriod struct {
	Name      string             `json:"name" binding:"required,max=100"`
	StartDate time.Time          `json:"start_date" binding:"required"`
	EndDate   time.Time          `json:"end_date" binding:"required"`
	Status    FiscalPeriodStatus `json:"status"`
}

func (input *NewFiscalPeriod) Validate() error {
	if err := validateStruct(input); err != nil {
		return err
	}
	if utils.DateOnly(input.EndDate).Before(utils.DateOnly(input.StartDate)) {
		return InvalidInput("end date is before start date")
	}
	if input.Status != "" && !input.Status.IsValid() {
		return InvalidInput("invalid period status %q", input.Status)
	}
	return nil
}

func (input *NewFiscalPeriod) Build(id, institutionId string) *FiscalPeriod {
	status := input.Status
	if status == "" {
		status = FiscalPeriodStatusOpen
	}
	return &FiscalPeriod{
		ID:            id,
		InstitutionId: institutionId,
		Name:          input.Name,
		StartDate:     utils.DateOnly(input.StartDate),
		EndDate:       utils.DateOnly(input.EndDate),
		Status:        status,
	}
}
