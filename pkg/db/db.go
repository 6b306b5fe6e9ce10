package db

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/visagekit/face-backend/config"
	"github.com/visagekit/face-backend/pkg/datamodel"
	"github.com/visagekit/face-backend/pkg/logger"
)

// Init opens the postgres connection pool and makes sure the face index
// table exists.
func Init() *gorm.DB {
	log, _ := logger.GetZapLogger(context.Background())

	databaseConfig := config.Config.Database
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=%s",
		databaseConfig.Host,
		databaseConfig.Username,
		databaseConfig.Password,
		databaseConfig.Name,
		databaseConfig.Port,
		databaseConfig.TimeZone,
	)
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true, // disables implicit prepared statement usage
	}), &gorm.Config{
		QueryFields: true,
	})
	if err != nil {
		log.Fatal(fmt.Sprintf("unable to connect to database: %v", err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal(err.Error())
	}
	sqlDB.SetMaxIdleConns(databaseConfig.Pool.IdleConnections)
	sqlDB.SetMaxOpenConns(databaseConfig.Pool.MaxConnections)
	sqlDB.SetConnMaxLifetime(databaseConfig.Pool.ConnLifeTime)

	if err := db.AutoMigrate(&datamodel.IndexedFace{}); err != nil {
		log.Fatal(fmt.Sprintf("unable to migrate face index table: %v", err))
	}

	return db
}

// Close closes the underlying sql.DB.
func Close(db *gorm.DB) {
	if db != nil {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	}
}
