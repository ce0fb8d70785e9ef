package fleet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fleetops/fleetops/internal/shared"
)

var (
	// ErrDuplicateRegistration indicates the plate is already in the fleet.
	ErrDuplicateRegistration = errors.New("registration already in fleet")
	// ErrVehicleInUse blocks deletion while interventions remain open.
	ErrVehicleInUse = errors.New("vehicle has open interventions")
	// ErrVehicleRetired blocks new work on retired vehicles.
	ErrVehicleRetired = errors.New("vehicle is retired")
	// ErrInterventionClosed blocks changes to a closed intervention.
	ErrInterventionClosed = errors.New("intervention already closed")
	// ErrInvalidStatus indicates an unknown lifecycle state.
	ErrInvalidStatus = errors.New("invalid status")
)

// Service handles fleet business logic.
type Service struct {
	repo Repository
}

// NewService builds a Service instance.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// ListVehicles returns a page of vehicles.
func (s *Service) ListVehicles(ctx context.Context, page, perPage int) ([]Vehicle, shared.Pagination, error) {
	return s.repo.ListVehicles(ctx, page, perPage)
}

// GetVehicle fetches a single vehicle.
func (s *Service) GetVehicle(ctx context.Context, id int64) (Vehicle, error) {
	return s.repo.GetVehicle(ctx, id)
}

// CreateVehicle registers a vehicle in the fleet.
func (s *Service) CreateVehicle(ctx context.Context, v Vehicle) (Vehicle, error) {
	v.Registration = strings.ToUpper(strings.TrimSpace(v.Registration))
	if v.Status == "" {
		v.Status = VehicleActive
	}
	if !validVehicleStatus(v.Status) {
		return Vehicle{}, ErrInvalidStatus
	}
	return s.repo.CreateVehicle(ctx, v)
}

// UpdateVehicle applies field changes to an existing vehicle.
func (s *Service) UpdateVehicle(ctx context.Context, v Vehicle) (Vehicle, error) {
	v.Registration = strings.ToUpper(strings.TrimSpace(v.Registration))
	if !validVehicleStatus(v.Status) {
		return Vehicle{}, ErrInvalidStatus
	}
	return s.repo.UpdateVehicle(ctx, v)
}

// DeleteVehicle removes a vehicle without open interventions.
func (s *Service) DeleteVehicle(ctx context.Context, id int64) error {
	return s.repo.DeleteVehicle(ctx, id)
}

// ListInterventions returns interventions matching the filter.
func (s *Service) ListInterventions(ctx context.Context, filter InterventionFilter) ([]Intervention, error) {
	return s.repo.ListInterventions(ctx, filter)
}

// GetIntervention fetches a single intervention.
func (s *Service) GetIntervention(ctx context.Context, id int64) (Intervention, error) {
	return s.repo.GetIntervention(ctx, id)
}

// OpenIntervention records a new maintenance job against a vehicle.
// Retired vehicles take no new work.
func (s *Service) OpenIntervention(ctx context.Context, vehicleID, reportedByID int64, title, description, priority string) (Intervention, error) {
	vehicle, err := s.repo.GetVehicle(ctx, vehicleID)
	if err != nil {
		return Intervention{}, err
	}
	if vehicle.Status == VehicleRetired {
		return Intervention{}, ErrVehicleRetired
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !validPriority(priority) {
		return Intervention{}, ErrInvalidStatus
	}
	return s.repo.CreateIntervention(ctx, Intervention{
		VehicleID:    vehicleID,
		Title:        strings.TrimSpace(title),
		Description:  description,
		Status:       InterventionOpen,
		Priority:     priority,
		ReportedByID: reportedByID,
	})
}

// UpdateIntervention edits title, description and priority of an open
// intervention.
func (s *Service) UpdateIntervention(ctx context.Context, id int64, title, description, priority string) (Intervention, error) {
	iv, err := s.repo.GetIntervention(ctx, id)
	if err != nil {
		return Intervention{}, err
	}
	if !iv.Open() {
		return Intervention{}, ErrInterventionClosed
	}
	if priority != "" {
		if !validPriority(priority) {
			return Intervention{}, ErrInvalidStatus
		}
		iv.Priority = priority
	}
	if title != "" {
		iv.Title = strings.TrimSpace(title)
	}
	if description != "" {
		iv.Description = description
	}
	return s.repo.UpdateIntervention(ctx, iv)
}

// Assign hands an open intervention to a technician.
func (s *Service) Assign(ctx context.Context, id, technicianID int64) (Intervention, error) {
	iv, err := s.repo.GetIntervention(ctx, id)
	if err != nil {
		return Intervention{}, err
	}
	if !iv.Open() {
		return Intervention{}, ErrInterventionClosed
	}
	iv.AssigneeID = &technicianID
	if iv.Status == InterventionOpen {
		iv.Status = InterventionAssigned
	}
	return s.repo.UpdateIntervention(ctx, iv)
}

// Start moves an assigned intervention into progress.
func (s *Service) Start(ctx context.Context, id int64) (Intervention, error) {
	iv, err := s.repo.GetIntervention(ctx, id)
	if err != nil {
		return Intervention{}, err
	}
	if !iv.Open() {
		return Intervention{}, ErrInterventionClosed
	}
	iv.Status = InterventionInProgress
	return s.repo.UpdateIntervention(ctx, iv)
}

// Close finishes an intervention. Closing twice is rejected so the
// closed_at timestamp stays authoritative.
func (s *Service) Close(ctx context.Context, id int64) (Intervention, error) {
	iv, err := s.repo.GetIntervention(ctx, id)
	if err != nil {
		return Intervention{}, err
	}
	if !iv.Open() {
		return Intervention{}, ErrInterventionClosed
	}
	now := time.Now()
	iv.Status = InterventionClosed
	iv.ClosedAt = &now
	return s.repo.UpdateIntervention(ctx, iv)
}

func validVehicleStatus(status string) bool {
	switch status {
	case VehicleActive, VehicleMaintenance, VehicleRetired:
		return true
	}
	return false
}

func validPriority(priority string) bool {
	switch priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}
