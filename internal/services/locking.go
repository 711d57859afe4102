package services

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lockForUpdate applique un verrou pessimiste ligne à ligne (SELECT ...
// FOR UPDATE) sur postgres. Le sqlite des tests sérialise ses écritures
// lui-même et ne connaît pas la clause, on la saute par dialecte; la
// forme de la transaction reste identique.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
