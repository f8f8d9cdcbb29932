package auth

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleBrandRep Role = "brand_rep"
	RoleAdmin    Role = "admin"
)

// User is the domain representation of an account.
// It mirrors the users table and carries no JSON annotations so it can be
// reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Identity is what a verified token asserts about its bearer.
type Identity struct {
	UserID string
	Role   Role
}
