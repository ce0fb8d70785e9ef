package shared

// Fleet & intervention permissions declared for RBAC.
const (
	// Vehicle permissions
	PermVehiclesAccess = "vehicles.access"
	PermVehiclesView   = "vehicles.view"
	PermVehiclesCreate = "vehicles.create"
	PermVehiclesEdit   = "vehicles.edit"
	PermVehiclesDelete = "vehicles.delete"

	// Intervention permissions
	PermInterventionsAccess = "interventions.access"
	PermInterventionsView   = "interventions.view"
	PermInterventionsCreate = "interventions.create"
	PermInterventionsEdit   = "interventions.edit"
	PermInterventionsDelete = "interventions.delete"
	PermInterventionsAssign = "interventions.assign"
	PermInterventionsClose  = "interventions.close"

	// Report permissions
	PermReportsAccess = "reports.access"
	PermReportsView   = "reports.view"
	PermReportsExport = "reports.export"
)

// VehicleScopes lists all permissions related to the vehicles module.
func VehicleScopes() []string {
	return []string{
		PermVehiclesAccess,
		PermVehiclesView,
		PermVehiclesCreate,
		PermVehiclesEdit,
		PermVehiclesDelete,
	}
}

// InterventionScopes lists all permissions related to the interventions module.
func InterventionScopes() []string {
	return []string{
		PermInterventionsAccess,
		PermInterventionsView,
		PermInterventionsCreate,
		PermInterventionsEdit,
		PermInterventionsDelete,
		PermInterventionsAssign,
		PermInterventionsClose,
	}
}

// ReportScopes lists all permissions related to the reports module.
func ReportScopes() []string {
	return []string{
		PermReportsAccess,
		PermReportsView,
		PermReportsExport,
	}
}

// AllFleetScopes returns all fleet related permissions.
func AllFleetScopes() []string {
	scopes := append(VehicleScopes(), InterventionScopes()...)
	return append(scopes, ReportScopes()...)
}
