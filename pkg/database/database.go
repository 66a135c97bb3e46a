package database

import (
	"aflrunner/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDBConnection opens the campaign database. It returns a nil *gorm.DB when
// DATABASE_URL is unset; callers treat that as persistence being disabled.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	if appConfig.DatabaseURL == "" {
		logger.Debug("DATABASE_URL not set, campaign persistence disabled")
		return nil, nil
	}

	db, err := gorm.Open(postgres.Open(appConfig.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("failed to connect database", zap.Error(err))
		return nil, err
	}
	if err := db.AutoMigrate(&Campaign{}, &Worker{}, &Crash{}, &SeedBundle{}); err != nil {
		logger.Error("failed to migrate database", zap.Error(err))
		return nil, err
	}
	logger.Debug("connected to database")
	return db, nil
}
