package repository

// Compile-time interface checks
var (
	_ UsersRepo             = (*usersRepo)(nil)
	_ DependantsRepo        = (*dependantsRepo)(nil)
	_ LoanTypesRepo         = (*loanTypesRepo)(nil)
	_ LoansRepo             = (*loansRepo)(nil)
	_ GuarantorsRepo        = (*guarantorsRepo)(nil)
	_ GrantTypesRepo        = (*grantTypesRepo)(nil)
	_ GrantsRepo            = (*grantsRepo)(nil)
	_ DeductionsRepo        = (*deductionsRepo)(nil)
	_ MpesaTransactionsRepo = (*mpesaTransactionsRepo)(nil)
	_ NotificationsRepo     = (*notificationsRepo)(nil)
	_ AuditRepo             = (*auditRepo)(nil)
	_ EventsRepo            = (*eventsRepo)(nil)
)
