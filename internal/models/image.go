package models

import "time"

type ImageStatus string

const (
	ImageStatusPendingReview       ImageStatus = "pending-review"
	ImageStatusPublished           ImageStatus = "published"
	ImageStatusModerationViolation ImageStatus = "moderation-violation"
	ImageStatusError               ImageStatus = "error"
)

// Terminal reports whether the moderation pipeline is finished with an image.
func (s ImageStatus) Terminal() bool {
	switch s {
	case ImageStatusPublished, ImageStatusModerationViolation, ImageStatusError:
		return true
	default:
		return false
	}
}

func (s ImageStatus) Valid() bool {
	return s == ImageStatusPendingReview || s.Terminal()
}

type Image struct {
	ID        string
	UserID    string
	Width     int
	Height    int
	Title     *string
	Tags      []string
	Status    ImageStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	HiddenAt  *time.Time
}

// PublicState is what the read path needs to decide whether an image may be
// served.
type PublicState struct {
	ImageID     string
	UserID      string
	Status      ImageStatus
	Hidden      bool
	OwnerStatus UserStatus
}

func (p PublicState) Visible() bool {
	return p.Status == ImageStatusPublished && !p.Hidden && p.OwnerStatus == UserStatusActive
}
