package models

import "time"

// PartnerStatus is the composite availability shown to users.
type PartnerStatus string

const (
	PartnerOffline   PartnerStatus = "offline"
	PartnerAvailable PartnerStatus = "available"
	PartnerBusy      PartnerStatus = "busy"
)

// Partner is a directory entry for an expert. Profiles are managed elsewhere;
// this service only reads them.
type Partner struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	AvatarURL string    `db:"avatar_url" json:"avatarUrl,omitempty"`
	Expertise string    `db:"expertise" json:"expertise,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// PartnerPresence annotates a partner with live status.
type PartnerPresence struct {
	Partner
	IsOnline bool          `json:"isOnline"`
	IsBusy   bool          `json:"isBusy"`
	Status   PartnerStatus `json:"status"`
}

// DerivePartnerStatus folds the two presence flags into one status.
func DerivePartnerStatus(online, busy bool) PartnerStatus {
	switch {
	case !online:
		return PartnerOffline
	case busy:
		return PartnerBusy
	default:
		return PartnerAvailable
	}
}
