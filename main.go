package main

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/techagentng/realtyx/config"
	"github.com/techagentng/realtyx/db"
	"github.com/techagentng/realtyx/logger"
	"github.com/techagentng/realtyx/realtime"
	"github.com/techagentng/realtyx/server"
	"github.com/techagentng/realtyx/services"
	"github.com/techagentng/realtyx/storage"
)

func main() {
	conf, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger.Init(conf.Env, conf.Debug)
	mainLog := logger.For("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := realtime.NewHub(conf.RealtimeBuffer)
	defer hub.Close()

	var publisher realtime.Publisher = hub
	if conf.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
		})
		defer client.Close()
		broker := realtime.NewRedisBroker(client, conf.RedisChannel, hub)
		go func() {
			if err := broker.Run(ctx); err != nil && ctx.Err() == nil {
				mainLog.WithError(err).Error("realtime relay stopped")
			}
		}()
		publisher = broker
	}

	gormDB := db.GetDB(conf)
	conversationRepo := db.NewConversationRepo(gormDB, publisher)
	messageRepo := db.NewMessageRepo(gormDB, publisher)
	encryptionKeyRepo := db.NewEncryptionKeyRepo(gormDB)
	deviceTokenRepo := db.NewDeviceTokenRepo(gormDB)
	contactAttemptRepo := db.NewContactAttemptRepo(gormDB)

	var attachments storage.AttachmentStore
	if conf.AWSBucket != "" {
		client, err := storage.NewS3Client(ctx, conf)
		if err != nil {
			mainLog.WithError(err).Fatal("unable to configure s3")
		}
		attachments = storage.NewS3Store(client, conf)
	} else {
		mainLog.Warn("no attachment bucket configured, attachments will be skipped")
	}

	var pusher services.Pusher = services.NoopPusher{}
	if conf.GoogleApplicationCredentials != "" {
		client, err := services.NewFirebaseMessaging(ctx, conf.GoogleApplicationCredentials)
		if err != nil {
			mainLog.WithError(err).Fatal("unable to configure push notifications")
		}
		pusher = services.NewFirebasePusher(client, deviceTokenRepo)
	}

	var mailer services.Mailer
	if conf.MgDomain != "" && conf.MailgunApiKey != "" {
		mailer = services.NewMailgun(conf)
	}

	s := &server.Server{
		Config:         conf,
		Conversations:  conversationRepo,
		Messages:       messageRepo,
		EncryptionKeys: encryptionKeyRepo,
		DeviceTokens:   deviceTokenRepo,
		Attachments:    attachments,
		Realtime:       hub,
		Contacts:       services.NewContactRecorder(contactAttemptRepo, mailer),
		Pusher:         pusher,
		Retry: services.RetryPolicy{
			MaxRetries: conf.MessagingRetries,
			Backoff:    services.FixedBackoff(conf.MessagingRetryDelay),
		},
	}
	s.Start()
}
