package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/repository"
)

// ReportSource runs the summary aggregates.  See repository.ReportRepo.
type ReportSource interface {
	Summary(ctx context.Context, from, to, today time.Time) (repository.Summary, error)
}

// ReportService serves the admin billing and attendance summary.
type ReportService struct {
	src ReportSource
	loc *time.Location
	now func() time.Time
}

func NewReportService(src ReportSource, loc *time.Location) *ReportService {
	if loc == nil {
		loc = time.UTC
	}
	return &ReportService{src: src, loc: loc, now: time.Now}
}

// Summary reports over [from, to].  Empty bounds default to the first of
// the current month and today.
func (s *ReportService) Summary(ctx context.Context, from, to string) (repository.Summary, error) {
	today := model.DateOf(s.now().In(s.loc))
	end := today
	if to != "" {
		d, err := parseDate(to)
		if err != nil {
			return repository.Summary{}, validation.Errors{"to": err}
		}
		end = d
	}
	start := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	if from != "" {
		d, err := parseDate(from)
		if err != nil {
			return repository.Summary{}, validation.Errors{"from": err}
		}
		start = d
	}
	if end.Before(start) {
		return repository.Summary{}, validation.Errors{"from": errors.New("must not be after to")}
	}
	if end.Sub(start) > maxEntryRange*24*time.Hour {
		return repository.Summary{}, validation.Errors{"from": fmt.Errorf("range must not exceed %d days", maxEntryRange)}
	}
	return s.src.Summary(ctx, start, end, today)
}
