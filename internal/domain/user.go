package domain

import "time"

// User is a tenant identified by their Telegram account.
type User struct {
	TelegramID  int64
	FirstName   string
	LastName    string
	Username    string
	PhotoURL    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt time.Time
}

// DisplayName joins first and last name.
func (u User) DisplayName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}
