package store

import "time"

// UserProfile is the relational-store side of a user record.
type UserProfile struct {
	UserID           string
	TelegramUserID   int64
	Username         string
	FirstName        string
	LastName         string
	LanguageCode     string
	RegistrationDate time.Time
	LastLogin        time.Time
	IsActive         bool
}

// FindUserProfile specifies the conditions for finding a user profile.
type FindUserProfile struct {
	UserID         *string
	TelegramUserID *int64
}

// UpdateUserProfile specifies the data for a partial profile update.
type UpdateUserProfile struct {
	UserID       string
	Username     *string
	FirstName    *string
	LastName     *string
	LanguageCode *string
	LastLogin    *time.Time
	IsActive     *bool
}
