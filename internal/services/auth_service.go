package services

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"fleet_dispatch/internal/middleware"
)

// ErrInvalidCredentials covers both unknown usernames and bad passwords.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Operator is one of the fixed accounts allowed to use the API. There is
// no signup path; the account set is defined at startup.
type Operator struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`

	passwordHash []byte
}

// LoginResult is the payload returned on a successful login.
type LoginResult struct {
	AccessToken string   `json:"access_token"`
	User        Operator `json:"user"`
}

// AuthService validates the fixed operator accounts and issues tokens.
type AuthService struct {
	operators map[string]Operator
}

func NewAuthService() *AuthService {
	return &AuthService{operators: seedOperators()}
}

// seedOperators hashes the fixed credential pairs at startup so the
// login path still goes through a bcrypt compare.
func seedOperators() map[string]Operator {
	accounts := []struct {
		id       uint
		username string
		password string
		role     string
	}{
		{1, "dispatcher", "password", "dispatcher"},
		{2, "admin", "fleetadmin", "admin"},
	}

	operators := make(map[string]Operator, len(accounts))
	for _, a := range accounts {
		hash, err := bcrypt.GenerateFromPassword([]byte(a.password), bcrypt.DefaultCost)
		if err != nil {
			// Only reachable on a broken cost parameter.
			panic("seeding operator accounts: " + err.Error())
		}
		operators[a.username] = Operator{
			ID:           a.id,
			Username:     a.username,
			Role:         a.role,
			passwordHash: hash,
		}
	}
	return operators
}

// Login checks a credential pair and returns a signed token plus the
// operator identity, or ErrInvalidCredentials.
func (s *AuthService) Login(username, password string) (*LoginResult, error) {
	op, ok := s.operators[username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(op.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := middleware.GenerateToken(op.ID, op.Username, op.Role)
	if err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: token, User: op}, nil
}
