package service

// Compile-time checks to ensure all service implementations satisfy their interfaces.
var (
	_ AuthService         = (*authService)(nil)
	_ UserService         = (*UserServiceImpl)(nil)
	_ LoanTypeService     = (*loanTypeService)(nil)
	_ LoanService         = (*LoanServiceImpl)(nil)
	_ GuarantorService    = (*guarantorService)(nil)
	_ GrantService        = (*GrantServiceImpl)(nil)
	_ DeductionService    = (*DeductionServiceImpl)(nil)
	_ PaymentService      = (*PaymentServiceImpl)(nil)
	_ NotificationService = (*NotificationServiceImpl)(nil)
	_ AuditService        = (*auditService)(nil)
	_ CacheService        = (*cacheServiceImpl)(nil)
)
