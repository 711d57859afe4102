package models

import "time"

// Statuts d'un livrable.
const (
	LivrablePending = "pending"
	LivrableValide  = "validated"
	LivrableRejete  = "rejected"
)

// Livrable est un rendu de travail soumis par le freelance. Sa validation
// par le client déclenche le règlement de la prochaine tranche éligible.
type Livrable struct {
	ID         uint   `gorm:"primaryKey"`
	MissionID  uint   `gorm:"not null;index"`
	Mission    Mission `gorm:"foreignKey:MissionID"`
	Titre      string
	Statut     string `gorm:"not null;default:'pending'"`
	FichierURL string // stockage géré par le collaborateur upload, opaque ici
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
