package domain

// Collection names the remote tables and local keys the application uses.
// Adapters accept any non-blank name; these are the provisioned set.
const (
	CollectionReports         = "reports"
	CollectionStockItems      = "stock_items"
	CollectionConsumptionLogs = "consumption_logs"
	CollectionExamResults     = "exam_results"
	CollectionPortalUsers     = "portal_users"
	CollectionAuditLogs       = "audit_logs"
	CollectionIntercorrencias = "intercorrencias"
	CollectionShifts          = "shifts"
	CollectionAccessUsers     = "access_users"
	CollectionIntegrations    = "integrations"
)

// KnownCollections lists every collection, used by backups and tooling.
var KnownCollections = []string{
	CollectionReports,
	CollectionStockItems,
	CollectionConsumptionLogs,
	CollectionExamResults,
	CollectionPortalUsers,
	CollectionAuditLogs,
	CollectionIntercorrencias,
	CollectionShifts,
	CollectionAccessUsers,
	CollectionIntegrations,
}

// ValidCollectionName rejects names that cannot be a table or a storage key.
func ValidCollectionName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}
