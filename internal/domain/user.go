// Package domain contains the core business entities and types.
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is an employee or administrator.
type User struct {
	ID             uuid.UUID `json:"id" db:"id"`
	EmployeeNumber string    `json:"employee_number" db:"employee_number"`
	FirstName      string    `json:"first_name" db:"first_name"`
	LastName       string    `json:"last_name" db:"last_name"`
	Email          string    `json:"email" db:"email"`
	Phone          string    `json:"phone" db:"phone"`
	NationalID     string    `json:"national_id" db:"national_id"`
	BasicSalary    float64   `json:"basic_salary" db:"basic_salary"`
	PasswordHash   string    `json:"-" db:"password_hash"`
	Role           string    `json:"role" db:"role"`
	Status         string    `json:"status" db:"status"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// UserRole defines valid user roles.
type UserRole string

const (
	RoleEmployee UserRole = "employee"
	RoleAdmin    UserRole = "admin"
)

// UserStatus is the employment status of a user account.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
)

// FullName returns first and last name joined.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// IsActive reports whether the account may borrow and guarantee.
func (u *User) IsActive() bool {
	return u.Status == string(UserActive)
}

// IsAdmin reports whether the user has the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == string(RoleAdmin)
}

// RegisterRequest is the self-registration payload.
type RegisterRequest struct {
	EmployeeNumber string `json:"employee_number"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	NationalID     string `json:"national_id"`
	Password       string `json:"password"`
}

// LoginRequest represents the data needed for user login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest represents the data needed for token refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// UpdateProfileRequest holds the fields an employee may change.
type UpdateProfileRequest struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Phone     *string `json:"phone,omitempty"`
}

// ChangePasswordRequest changes the caller's password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// AdminUpdateUserRequest holds the fields only an admin may change.
type AdminUpdateUserRequest struct {
	BasicSalary *float64 `json:"basic_salary,omitempty"`
	Role        *string  `json:"role,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Phone       *string  `json:"phone,omitempty"`
}

// UserFilter represents filters for user listings.
type UserFilter struct {
	Role   *string
	Status *string
	Search string
	Limit  int
	Offset int
}

// UserResponse represents a user in API responses.
type UserResponse struct {
	ID             uuid.UUID `json:"id"`
	EmployeeNumber string    `json:"employee_number"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	BasicSalary    float64   `json:"basic_salary"`
	Role           string    `json:"role"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToResponse converts a User to UserResponse.
func (u *User) ToResponse() UserResponse {
	return UserResponse{
		ID:             u.ID,
		EmployeeNumber: u.EmployeeNumber,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Email:          u.Email,
		Phone:          u.Phone,
		BasicSalary:    u.BasicSalary,
		Role:           u.Role,
		Status:         u.Status,
		CreatedAt:      u.CreatedAt,
	}
}

// Validate validates the registration request.
func (r *RegisterRequest) Validate() error {
	if err := validateEmployeeNumber(r.EmployeeNumber); err != nil {
		return fmt.Errorf("employee_number: %w", err)
	}
	if err := validateName(r.FirstName); err != nil {
		return fmt.Errorf("first_name: %w", err)
	}
	if err := validateName(r.LastName); err != nil {
		return fmt.Errorf("last_name: %w", err)
	}
	if err := validateEmail(r.Email); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	if err := validatePhone(r.Phone); err != nil {
		return fmt.Errorf("phone: %w", err)
	}
	if r.Password == "" {
		return fmt.Errorf("password: password is required")
	}
	return nil
}

// Validate validates the login request.
func (r *LoginRequest) Validate() error {
	if err := validateEmail(r.Email); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	if r.Password == "" {
		return fmt.Errorf("password: password is required")
	}
	return nil
}

// Validate validates the refresh request.
func (r *RefreshRequest) Validate() error {
	if r.RefreshToken == "" {
		return fmt.Errorf("refresh_token: refresh token is required")
	}
	return nil
}

// Validate validates the profile update.
func (r *UpdateProfileRequest) Validate() error {
	if r.FirstName == nil && r.LastName == nil && r.Phone == nil {
		return fmt.Errorf("body: at least one field must be provided")
	}
	if r.FirstName != nil {
		if err := validateName(*r.FirstName); err != nil {
			return fmt.Errorf("first_name: %w", err)
		}
	}
	if r.LastName != nil {
		if err := validateName(*r.LastName); err != nil {
			return fmt.Errorf("last_name: %w", err)
		}
	}
	if r.Phone != nil {
		if err := validatePhone(*r.Phone); err != nil {
			return fmt.Errorf("phone: %w", err)
		}
	}
	return nil
}

// Validate validates the password change.
func (r *ChangePasswordRequest) Validate() error {
	if r.CurrentPassword == "" {
		return fmt.Errorf("current_password: current password is required")
	}
	if r.NewPassword == "" {
		return fmt.Errorf("new_password: new password is required")
	}
	if r.NewPassword == r.CurrentPassword {
		return fmt.Errorf("new_password: must differ from current password")
	}
	return nil
}

// Validate validates the admin user update.
func (r *AdminUpdateUserRequest) Validate() error {
	if r.BasicSalary == nil && r.Role == nil && r.Status == nil && r.Phone == nil {
		return fmt.Errorf("body: at least one field must be provided")
	}
	if r.BasicSalary != nil && *r.BasicSalary < 0 {
		return fmt.Errorf("basic_salary: must not be negative")
	}
	if r.Role != nil {
		if err := validateRole(*r.Role); err != nil {
			return fmt.Errorf("role: %w", err)
		}
	}
	if r.Status != nil && *r.Status != string(UserActive) && *r.Status != string(UserSuspended) {
		return fmt.Errorf("status: must be 'active' or 'suspended'")
	}
	if r.Phone != nil {
		if err := validatePhone(*r.Phone); err != nil {
			return fmt.Errorf("phone: %w", err)
		}
	}
	return nil
}

var (
	emailRegex          = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phoneRegex          = regexp.MustCompile(`^(\+?254|0)?[17]\d{8}$`)
	employeeNumberRegex = regexp.MustCompile(`^[A-Za-z0-9-]{2,20}$`)
)

func validateEmployeeNumber(s string) error {
	if s == "" {
		return fmt.Errorf("employee number is required")
	}
	if !employeeNumberRegex.MatchString(s) {
		return fmt.Errorf("must be 2-20 letters, digits or dashes")
	}
	return nil
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("name must be at most 100 characters")
	}
	return nil
}

// validateEmail validates email format.
func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > 255 {
		return fmt.Errorf("email must be at most 255 characters")
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// validatePhone accepts Kenyan mobile numbers in local or international form.
func validatePhone(phone string) error {
	if phone == "" {
		return fmt.Errorf("phone is required")
	}
	if !phoneRegex.MatchString(strings.ReplaceAll(phone, " ", "")) {
		return fmt.Errorf("invalid phone number")
	}
	return nil
}

func validateRole(role string) error {
	role = strings.ToLower(role)
	if role != string(RoleEmployee) && role != string(RoleAdmin) {
		return fmt.Errorf("invalid role, must be 'employee' or 'admin'")
	}
	return nil
}
