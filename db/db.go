package db

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/techagentng/realtyx/config"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/realtime"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type GormDB struct {
	DB *gorm.DB
}

func GetDB(c *config.Config) *GormDB {
	gormDB := &GormDB{}
	gormDB.Init(c)
	return gormDB
}

func (g *GormDB) Init(c *config.Config) {
	g.DB = getPostgresDB(c)

	if err := migrate(g.DB); err != nil {
		logrus.WithError(err).Fatal("unable to run migrations")
	}
}

func getPostgresDB(c *config.Config) *gorm.DB {
	logrus.WithFields(logrus.Fields{
		"host": c.PostgresHost,
		"port": c.PostgresPort,
		"db":   c.PostgresDB,
	}).Info("connecting to postgres")
	postgresDSN := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d TimeZone=%s",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort, c.PostgresTimeZone)

	gormConfig := &gorm.Config{}
	if !c.IsProd() {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		DSN: postgresDSN,
	}), gormConfig)
	if err != nil {
		logrus.WithError(err).Fatal("unable to connect to postgres")
	}

	return gormDB
}

func migrate(db *gorm.DB) error {
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS pgcrypto`).Error; err != nil {
		return fmt.Errorf("migrations error: %v", err)
	}

	err := db.AutoMigrate(
		&models.ConversationRow{},
		&models.MessageRow{},
		&models.EncryptionKey{},
		&models.DeviceToken{},
		&models.ContactAttempt{},
	)
	if err != nil {
		return fmt.Errorf("migrations error: %v", err)
	}

	return nil
}

// publish emits a change event after a committed write. A missing publisher
// or a failed publish never fails the write.
func publish(ctx context.Context, pub realtime.Publisher, table string, eventType realtime.EventType, record interface{}) {
	if pub == nil {
		return
	}
	e, err := realtime.NewEvent(table, eventType, record)
	if err != nil {
		logrus.WithError(err).WithField("table", table).Warn("unable to encode change event")
		return
	}
	if err := pub.Publish(ctx, e); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"table": table,
			"event": eventType,
		}).Warn("unable to publish change event")
	}
}
