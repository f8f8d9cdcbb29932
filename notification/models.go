package notification

import "time"

// Notification is an in-app message for one user.
type Notification struct {
	ID        string
	UserID    string
	TellID    *string
	Message   string
	ReadAt    *time.Time
	CreatedAt time.Time
}

// Read reports whether the user has marked the notification read.
func (n Notification) Read() bool {
	return n.ReadAt != nil
}
