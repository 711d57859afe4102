package models

import "time"

// Roles portés par les utilisateurs de la plateforme.
const (
	RoleClient    = "client"
	RoleFreelance = "freelance"
)

type User struct {
	ID        uint   `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex;not null"`
	Password  string `gorm:"not null"` // hash, jamais en clair
	Prenom    string
	Nom       string
	Role      string `gorm:"not null"` // client ou freelance
	CreatedAt time.Time
	UpdatedAt time.Time
}
