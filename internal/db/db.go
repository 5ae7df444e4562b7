package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Document is one collection stored as a row.
type Document struct {
	Name      string `gorm:"primaryKey;size:64"`
	Body      []byte `gorm:"type:bytea;not null"`
	UpdatedAt time.Time
}

func (Document) TableName() string {
	return "ledger_documents"
}

// PostgresBackend keeps collection documents in a single Postgres table.
type PostgresBackend struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and migrates the documents table.
func OpenPostgres(dsn string) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL not set")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := gdb.AutoMigrate(&Document{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresBackend{db: gdb}, nil
}

func (b *PostgresBackend) Read(name string) ([]byte, error) {
	var doc Document
	err := b.db.Where("name = ?", name).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Body, nil
}

// Write upserts the document inside a transaction holding the row lock.
func (b *PostgresBackend) Write(name string, data []byte) error {
	return b.db.Transaction(func(tx *gorm.DB) error {
		var existing Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		doc := Document{Name: name, Body: data, UpdatedAt: time.Now()}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
		}).Create(&doc).Error
	})
}

// Close releases the connection pool.
func (b *PostgresBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
