// Package delivery implements the project and ticket workflows around tracking:
// creating tickets, claiming them, manual arrival and ETA lookups.
package delivery

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/site-logistics/internal/eta"
	"github.com/example/site-logistics/internal/models"
	"github.com/example/site-logistics/internal/observability"
	"github.com/example/site-logistics/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNoLocation        = errors.New("ticket has no driver location yet")
)

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeAttempts = 5
)

// WatchStopper ends a live tracking session for a ticket, if there is one.
type WatchStopper interface {
	StopTicket(ticketID string) bool
}

type Service struct {
	Store    storage.Store
	Watches  WatchStopper // optional
	SpeedMph float64
	Logger   *slog.Logger
}

type NewProject struct {
	Name        string
	Address     string
	Destination models.Coordinate
	Timezone    string
}

type NewTicket struct {
	ProjectID         string
	Material          string
	Quantity          string
	Division          string
	VehicleClass      models.VehicleClass
	RequiresEquipment bool
	AnticipatedTime   string
}

func (s *Service) CreateProject(ctx context.Context, in NewProject) (*models.Project, error) {
	if !in.Destination.Valid() {
		return nil, fmt.Errorf("%w: destination %s out of range", ErrInvalidInput, in.Destination)
	}
	if in.Timezone != "" {
		if _, err := time.LoadLocation(in.Timezone); err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidInput, in.Timezone, err)
		}
	}
	p := &models.Project{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		Address:     strings.TrimSpace(in.Address),
		Destination: in.Destination,
		Timezone:    in.Timezone,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Store.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.logger().Info("project created", "project_id", p.ID, "name", p.Name)
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.Store.GetProject(ctx, id)
}

// CreateTicket adds an unclaimed ticket to a project with a fresh short code.
func (s *Service) CreateTicket(ctx context.Context, in NewTicket) (*models.Ticket, error) {
	project, err := s.Store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	if !in.VehicleClass.Valid() {
		return nil, fmt.Errorf("%w: vehicle class %q", ErrInvalidInput, in.VehicleClass)
	}
	var anticipated *models.TimeOfDay
	if strings.TrimSpace(in.AnticipatedTime) != "" {
		tod, err := models.ParseTimeOfDay(in.AnticipatedTime)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		anticipated = &tod
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := newCode()
		if err != nil {
			return nil, err
		}
		t := &models.Ticket{
			ID:                uuid.NewString(),
			Code:              code,
			ProjectID:         project.ID,
			Material:          strings.TrimSpace(in.Material),
			Quantity:          strings.TrimSpace(in.Quantity),
			Division:          models.NormalizeDivision(in.Division),
			VehicleClass:      in.VehicleClass,
			RequiresEquipment: in.RequiresEquipment,
			Destination:       project.Destination,
			Status:            models.StatusUnclaimed,
			Alerts:            models.AlertLog{},
			AnticipatedTime:   anticipated,
			CreatedAt:         time.Now().UTC(),
		}
		err = s.Store.CreateTicket(ctx, t)
		if errors.Is(err, storage.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create ticket: %w", err)
		}
		s.logger().Info("ticket created", "ticket_id", t.ID, "code", t.Code, "project_id", t.ProjectID)
		return t, nil
	}
	return nil, fmt.Errorf("create ticket: %w after %d attempts", storage.ErrDuplicateCode, codeAttempts)
}

func (s *Service) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	return s.Store.GetTicket(ctx, id)
}

func (s *Service) GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error) {
	return s.Store.GetTicketByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
}

// ClaimTicket starts a new claim episode: unclaimed becomes claimed-untracking with
// a clean alert log. The driver location is left alone.
func (s *Service) ClaimTicket(ctx context.Context, id, claimant string) (*models.Ticket, error) {
	t, err := s.Store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusUnclaimed {
		return nil, fmt.Errorf("%w: claim from %s", ErrInvalidTransition, t.Status)
	}
	next := models.StatusClaimedUntracking
	now := time.Now().UTC()
	claimant = strings.TrimSpace(claimant)
	out, err := s.Store.UpdateTicket(ctx, id, storage.Patch{
		IfStatus:    []models.Status{models.StatusUnclaimed},
		Status:      &next,
		ClaimedBy:   &claimant,
		ClaimedAt:   &now,
		LastUpdate:  &now,
		ResetAlerts: true,
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: ticket claimed concurrently", ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("claim ticket %s: %w", id, err)
	}
	s.logger().Info("ticket claimed", "ticket_id", id, "claimed_by", claimant)
	return out, nil
}

// ConfirmArrival marks a claimed ticket arrived without waiting for the geofence.
// Confirming an already arrived ticket returns it unchanged.
func (s *Service) ConfirmArrival(ctx context.Context, id string) (*models.Ticket, error) {
	t, err := s.Store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == models.StatusArrived {
		return t, nil
	}
	if !t.Status.CanTransition(models.StatusArrived) {
		return nil, fmt.Errorf("%w: arrive from %s", ErrInvalidTransition, t.Status)
	}
	arrived := models.StatusArrived
	now := time.Now().UTC()
	out, err := s.Store.UpdateTicket(ctx, id, storage.Patch{
		IfStatus:   []models.Status{models.StatusClaimedUntracking, models.StatusClaimedTracking},
		Status:     &arrived,
		ArrivedAt:  &now,
		LastUpdate: &now,
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		return s.Store.GetTicket(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("confirm arrival %s: %w", id, err)
	}
	observability.Arrivals.WithLabelValues("manual").Inc()
	if s.Watches != nil {
		s.Watches.StopTicket(id)
	}
	s.logger().Info("arrival confirmed", "ticket_id", id)
	return out, nil
}

// TicketETA estimates arrival from the ticket's last known position.
func (s *Service) TicketETA(ctx context.Context, id string) (eta.Estimate, error) {
	t, err := s.Store.GetTicket(ctx, id)
	if err != nil {
		return eta.Estimate{}, err
	}
	if t.DriverLocation == nil {
		return eta.Estimate{}, ErrNoLocation
	}
	loc := time.UTC
	if p, err := s.Store.GetProject(ctx, t.ProjectID); err == nil {
		loc = p.Location()
	}
	return eta.Compute(time.Now(), *t.DriverLocation, t.Destination, s.SpeedMph, t.AnticipatedTime, loc), nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func newCode() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b), nil
}
