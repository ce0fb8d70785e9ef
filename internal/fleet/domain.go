package fleet

import "time"

// Vehicle lifecycle states.
const (
	VehicleActive      = "active"
	VehicleMaintenance = "maintenance"
	VehicleRetired     = "retired"
)

// Intervention lifecycle states.
const (
	InterventionOpen       = "open"
	InterventionAssigned   = "assigned"
	InterventionInProgress = "in_progress"
	InterventionClosed     = "closed"
)

// Intervention priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Vehicle represents one fleet unit.
type Vehicle struct {
	ID           int64
	Registration string
	Make         string
	Model        string
	Year         int
	Status       string
	Mileage      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Intervention is a maintenance or repair job on a vehicle.
type Intervention struct {
	ID           int64
	VehicleID    int64
	Title        string
	Description  string
	Status       string
	Priority     string
	AssigneeID   *int64
	ReportedByID int64
	OpenedAt     time.Time
	ClosedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Open reports whether the intervention still accepts work.
func (i Intervention) Open() bool {
	return i.Status != InterventionClosed
}
