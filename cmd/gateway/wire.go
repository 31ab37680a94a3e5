package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/contacts"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/metrics"
)

// stores bundles the persistence backend chosen by STORE_BACKEND.
type stores struct {
	deliveries    db.DeliveryStore
	conversations db.ConversationStore
	directory     contacts.Directory

	database *db.DB // nil for the memory backend
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.StoreBackend == config.StoreMemory {
		logger.Warn("using in-memory stores; data is lost on restart")
		return &stores{
			deliveries:    memstore.NewDeliveryLog(),
			conversations: memstore.NewConversations(),
			directory:     contacts.NewStaticDirectory(""),
		}, nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	return &stores{
		deliveries:    db.NewDeliveryLog(database, logger),
		conversations: db.NewConversations(database, logger),
		directory:     db.NewDirectory(database, logger),
		database:      database,
	}, nil
}

func (s *stores) health(ctx context.Context) error {
	if s.database == nil {
		return nil
	}
	return s.database.Health(ctx)
}

func (s *stores) reportConnections() {
	if s.database == nil {
		return
	}
	metrics.SetDBConnections(int(s.database.Pool().Stat().TotalConns()))
}

func (s *stores) close() {
	if s.database != nil {
		s.database.Close()
	}
}

// buildAdapter assembles one adapter per channel, each behind its own circuit
// breaker, and routes between them.
func buildAdapter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (channel.Adapter, error) {
	protect := func(name string, a channel.Adapter) channel.Adapter {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:            name,
			MaxFailures:     cfg.BreakerMaxFailures,
			RecoveryTimeout: cfg.BreakerRecovery,
			OnStateChange: func(name string, _, to circuitbreaker.State) {
				metrics.SetCircuitState(name, int(to))
			},
		}, logger)
		return channel.NewProtectedAdapter(a, breaker, logger)
	}

	var adapters []channel.Adapter

	// Email
	switch cfg.EmailProvider {
	case config.EmailProviderSES:
		email, err := channel.NewSESAdapter(ctx, channel.SESConfig{
			Region:           cfg.AWSRegion,
			FromEmail:        cfg.SESFromEmail,
			ConfigurationSet: cfg.SESConfigurationSet,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email adapter: %w", err)
		}
		adapters = append(adapters, protect("ses", email))
	default:
		adapters = append(adapters, channel.NewLogAdapter(logger, db.ChannelEmail))
	}

	// SMS
	switch cfg.SMSProvider {
	case config.SMSProviderSNS:
		provider, err := channel.NewSNSProvider(ctx, channel.SNSConfig{
			Region:   cfg.SNSRegion,
			SenderID: cfg.SNSSenderID,
			MaxPrice: cfg.SNSMaxPrice,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS SMS provider: %w", err)
		}
		adapters = append(adapters, protect("sns", channel.NewSMSAdapter(provider, logger)))
	case config.SMSProviderGateway:
		provider := channel.NewGatewayProvider(channel.GatewayConfig{
			BaseURL:   cfg.SMSGatewayURL,
			APIKey:    cfg.SMSGatewayKey,
			APISecret: cfg.SMSGatewaySecret,
			SenderID:  cfg.SMSSenderID,
			Timeout:   cfg.SendTimeout,
		})
		adapters = append(adapters, protect("sms-gateway", channel.NewSMSAdapter(provider, logger)))
	default:
		adapters = append(adapters, channel.NewLogAdapter(logger, db.ChannelSMS))
	}

	// WhatsApp
	if cfg.WhatsAppEnabled() {
		wa := channel.NewWhatsAppAdapter(channel.WhatsAppConfig{
			APIBase:       cfg.WhatsAppAPIBase,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			AccessToken:   cfg.WhatsAppAccessToken,
			Timeout:       cfg.SendTimeout,
		}, nil, logger)

		var media channel.MediaStore = channel.NewGraphMediaStore(wa)
		if cfg.MediaBackend == config.MediaS3 {
			s3Store, err := channel.NewS3MediaStore(ctx, channel.S3Config{
				Region: cfg.AWSRegion,
				Bucket: cfg.MediaBucket,
				Prefix: cfg.MediaPrefix,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create S3 media store: %w", err)
			}
			media = s3Store
		}
		wa.SetMediaStore(media)
		adapters = append(adapters, protect("whatsapp", wa))
	} else {
		adapters = append(adapters, channel.NewLogAdapter(logger, db.ChannelWhatsApp))
	}

	logger.Info("initialized channel adapters",
		zap.String("email_provider", cfg.EmailProvider),
		zap.String("sms_provider", cfg.SMSProvider),
		zap.Bool("whatsapp_enabled", cfg.WhatsAppEnabled()),
		zap.String("media_backend", cfg.MediaBackend),
	)

	return channel.NewRouter(logger, adapters...), nil
}
