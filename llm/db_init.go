package llm

import "gorm.io/gorm"

// InitDatabase runs auto-migration for the proxy's domain tables (spec §3).
// Called once at process startup after the gorm.DB connection is opened.
func InitDatabase(db *gorm.DB) error {
	return db.AutoMigrate(
		&Provider{},
		&Key{},
		&User{},
		&ModelPrice{},
		&UsageLog{},
	)
}
