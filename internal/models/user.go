package models

import "time"

type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

type User struct {
	ID             string
	Email          string
	DisplayName    string
	Role           UserRole
	Status         UserStatus
	UploadedPhotos int
	MaxPhotos      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (u User) Quota() Quota {
	return Quota{Uploaded: u.UploadedPhotos, Max: u.MaxPhotos}
}

type Quota struct {
	Uploaded int
	Max      int
}

func (q Quota) Exhausted() bool {
	return q.Uploaded >= q.Max
}
