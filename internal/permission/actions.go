// Package permission implements the role/action permission matrix and
// its resolution engine. The matrix is seeded from static defaults,
// overlaid with runtime overrides from the backing store, and cached as
// an in-memory snapshot with bounded staleness.
package permission

// Role represents a user role in the system.
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleOperations        Role = "operations"
	RoleOperationsManager Role = "operations-manager"
	RoleSales             Role = "sales"
	RoleSalesManager      Role = "sales-manager"
	RoleDriver            Role = "driver"
	RoleIT                Role = "it"
)

// Action represents a gateable operation in the system.
type Action string

const (
	ActionCreateCase            Action = "create-case"
	ActionViewCases             Action = "view-cases"
	ActionDeleteCase            Action = "delete-case"
	ActionProcessOrder          Action = "process-order"
	ActionSalesApproval         Action = "sales-approval"
	ActionMarkDeliveredHospital Action = "mark-delivered-hospital"
	ActionCaseCompleted         Action = "case-completed"
	ActionMarkDeliveredOffice   Action = "mark-delivered-office"
	ActionMarkToBeBilled        Action = "mark-to-be-billed"
	ActionViewAuditLogs         Action = "view-audit-logs"
	ActionManageUsers           Action = "manage-users"
	ActionManagePermissions     Action = "manage-permissions"
	ActionManageSettings        Action = "manage-settings"
	ActionManageCodeTables      Action = "manage-code-tables"
	ActionExportData            Action = "export-data"
	ActionImportData            Action = "import-data"
	ActionManageEmailConfig     Action = "manage-email-config"
	ActionBackupRestore         Action = "backup-restore"
	ActionEditSets              Action = "edit-sets"
	ActionViewReports           Action = "view-reports"
	ActionBookingCalendar       Action = "booking-calendar"
)

// Roles returns the closed set of roles, admin first.
func Roles() []Role {
	return []Role{
		RoleAdmin,
		RoleOperations,
		RoleOperationsManager,
		RoleSales,
		RoleSalesManager,
		RoleDriver,
		RoleIT,
	}
}

// Actions returns the closed set of gateable actions.
func Actions() []Action {
	return []Action{
		ActionCreateCase,
		ActionViewCases,
		ActionDeleteCase,
		ActionProcessOrder,
		ActionSalesApproval,
		ActionMarkDeliveredHospital,
		ActionCaseCompleted,
		ActionMarkDeliveredOffice,
		ActionMarkToBeBilled,
		ActionViewAuditLogs,
		ActionManageUsers,
		ActionManagePermissions,
		ActionManageSettings,
		ActionManageCodeTables,
		ActionExportData,
		ActionImportData,
		ActionManageEmailConfig,
		ActionBackupRestore,
		ActionEditSets,
		ActionViewReports,
		ActionBookingCalendar,
	}
}

// ValidRole reports whether r is one of the closed role set.
func ValidRole(r Role) bool {
	for _, role := range Roles() {
		if role == r {
			return true
		}
	}
	return false
}

// ValidAction reports whether a is one of the closed action set.
func ValidAction(a Action) bool {
	for _, action := range Actions() {
		if action == a {
			return true
		}
	}
	return false
}

// BypassesScope reports whether a role is exempt from country/department
// scoping when acting on cases.
func BypassesScope(r Role) bool {
	return r == RoleAdmin || r == RoleIT
}

// defaultGrants maps roles to the actions allowed by the static default
// table. Admin is intentionally absent: the engine resolves admin to
// allowed unconditionally and rejects overrides.
var defaultGrants = map[Role][]Action{
	RoleOperations: {
		ActionCreateCase, ActionViewCases, ActionProcessOrder,
		ActionEditSets, ActionBookingCalendar,
	},
	RoleOperationsManager: {
		ActionCreateCase, ActionViewCases, ActionProcessOrder,
		ActionMarkToBeBilled, ActionEditSets, ActionBookingCalendar,
		ActionViewReports, ActionExportData,
	},
	RoleSales: {
		ActionCreateCase, ActionViewCases, ActionSalesApproval,
		ActionCaseCompleted, ActionBookingCalendar,
	},
	RoleSalesManager: {
		ActionCreateCase, ActionViewCases, ActionSalesApproval,
		ActionCaseCompleted, ActionMarkToBeBilled, ActionBookingCalendar,
		ActionViewReports, ActionExportData,
	},
	RoleDriver: {
		ActionViewCases, ActionMarkDeliveredHospital, ActionMarkDeliveredOffice,
	},
	RoleIT: {
		ActionViewCases, ActionViewAuditLogs, ActionManageUsers,
		ActionManageSettings, ActionManageCodeTables, ActionManageEmailConfig,
		ActionBackupRestore, ActionImportData, ActionExportData,
	},
}

// HasDefaultGrant checks the static default table only, ignoring
// runtime overrides. Unlisted pairs deny.
func HasDefaultGrant(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	for _, a := range defaultGrants[role] {
		if a == action {
			return true
		}
	}
	return false
}
