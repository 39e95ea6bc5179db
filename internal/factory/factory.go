package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/cleanup"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/handler"
	"identity-service/internal/hashing"
	"identity-service/internal/notify"
	"identity-service/internal/phone"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/session"
	"identity-service/internal/tls"
	"identity-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	kafkaConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	phones            *phone.Normalizer
	issuer            *session.Issuer

	auditPipeline  *audit.Pipeline
	recorder       audit.Recorder
	gateway        notify.Gateway
	notifyWorker   *notify.Worker
	serviceFactory *service.ServiceFactory
	scheduler      *cleanup.Scheduler

	background context.CancelFunc
	group      *errgroup.Group
	closeOnce  sync.Once
}

// NewFactory loads configuration and builds every dependency. Any failure
// to reach a configured backend is fatal.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)

	f := &Factory{config: cfg, logger: logger}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment)
	}

	if err := f.initializeClients(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeAudit(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize audit: %w", err)
	}
	f.initializeNotify()
	f.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.String("notify_transport", cfg.Notify.Transport),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}

	if f.config.Store.Backend == config.BackendScylla {
		scyllaClient, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
	}

	if f.config.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(f.config)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		f.kafkaProducer = producer
	}

	for _, sink := range f.config.Audit.Sinks {
		switch sink {
		case "clickhouse":
			ch, err := client.NewClickHouseClient(f.config)
			if err != nil {
				return fmt.Errorf("clickhouse: %w", err)
			}
			f.clickhouseClient = ch
		case "elasticsearch":
			es, err := client.NewElasticsearchClient(f.config)
			if err != nil {
				return fmt.Errorf("elasticsearch: %w", err)
			}
			f.esClient = es
		default:
			return fmt.Errorf("unknown audit sink %q", sink)
		}
	}
	return nil
}

func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config.Hashing)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing.EventBuckets)

	phones, err := phone.NewNormalizer(f.config.Phone.CountryCode, f.config.Phone.MobilePrefixes)
	if err != nil {
		return err
	}
	f.phones = phones

	issuer, err := session.NewIssuer(f.config.Session.Secret, f.config.Session.Lifetime)
	if err != nil {
		return err
	}
	f.issuer = issuer

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.encryptionManager, err = encryption.NewEncryptionManager(f.config.KMS, kmsClient)
	if err != nil {
		return err
	}

	util.Info("Managers initialized successfully",
		util.Int("event_buckets", f.bucketingManager.GetEventBuckets()),
		util.String("country_code", f.phones.CountryCode()),
	)
	return nil
}

func (f *Factory) initializeAudit() error {
	var sinks []audit.Sink
	if f.clickhouseClient != nil {
		chSink := audit.NewClickHouseSink(f.clickhouseClient)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := chSink.EnsureTable(ctx); err != nil {
			return err
		}
		sinks = append(sinks, chSink)
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
	}

	if len(sinks) == 0 {
		f.recorder = audit.Nop{}
		return nil
	}
	f.auditPipeline = audit.NewPipeline(f.bucketingManager, f.encryptionManager, sinks, audit.PipelineConfig{}, f.logger)
	f.recorder = f.auditPipeline
	return nil
}

func (f *Factory) initializeNotify() {
	sms := notify.NewSMSClient(notify.SMSConfig{
		Endpoint: f.config.SMS.GatewayURL,
		APIKey:   f.config.SMS.APIKey,
		Sender:   f.config.SMS.Sender,
		DryRun:   f.config.SMS.DryRun,
		Timeout:  f.config.SMS.Timeout,
	})

	var email notify.EmailSender
	if f.config.SMTP.Host != "" {
		email = notify.NewSMTPMailer(f.config.SMTP.Host, f.config.SMTP.Port, f.config.SMTP.User, f.config.SMTP.Password, f.config.SMTP.From)
	} else {
		util.Warn("SMTP_HOST is empty; emails are only logged")
		email = notify.NewLogGateway(f.logger)
	}
	direct := notify.NewDirect(sms, email)

	if f.config.Notify.Transport != config.TransportKafka {
		f.gateway = direct
		return
	}

	f.gateway = notify.NewKafkaGateway(f.kafkaProducer, f.config.Kafka.NotifyTopic)
	if f.config.Kafka.NotifyWorker {
		f.kafkaConsumer = client.NewKafkaConsumer(f.config, f.config.Kafka.NotifyTopic, f.config.Kafka.NotifyGroup)
		f.notifyWorker = notify.NewWorker(f.kafkaConsumer, direct, f.logger)
	}
}

func (f *Factory) initializeServices() {
	stores := service.Stores{Limiter: redisrepo.NewRateLimitCache(f.redisClient)}
	switch f.config.Store.Backend {
	case config.BackendScylla:
		stores.OTP = scylla.NewOTPRepository(f.scyllaClient)
		stores.States = scylla.NewOAuthStateRepository(f.scyllaClient, f.config.OAuth.Retention)
	default:
		stores.OTP = redisrepo.NewOTPStore(f.redisClient)
		stores.States = redisrepo.NewOAuthStateStore(f.redisClient, f.config.OAuth.Retention)
	}

	f.serviceFactory = service.NewServiceFactory(f.config, stores, f.hasher, f.phones, f.gateway, f.recorder, f.logger)
	f.scheduler = cleanup.NewScheduler(f.config.Cleanup.Interval, f.serviceFactory.Sweepers(), f.recorder, f.logger)
}

// Router builds the HTTP handler tree.
func (f *Factory) Router() http.Handler {
	authHandler := handler.NewAuthHandler(
		f.serviceFactory.OTPLedger(),
		f.serviceFactory.OAuthStates(),
		f.issuer,
		handler.DeterministicSubjects{},
		f.phones,
		f.logger,
	)
	return handler.NewRouter(authHandler, handler.RouterOptions{
		RequireHTTPS: f.config.Server.EnableTLS && f.config.IsProduction(),
		Health:       f.Ping,
	}, f.logger)
}

// Start launches the cleanup scheduler, the audit pipeline and, when
// configured, the notification worker.
func (f *Factory) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.background = cancel
	f.group, ctx = errgroup.WithContext(ctx)

	f.scheduler.Start(ctx)
	if f.auditPipeline != nil {
		f.group.Go(func() error { return f.auditPipeline.Run(ctx) })
	}
	if f.notifyWorker != nil {
		f.group.Go(func() error { return f.notifyWorker.Run(ctx) })
	}
}

// Ping checks the backends on the request path.
func (f *Factory) Ping(ctx context.Context) error {
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
	}
	return nil
}

// HealthCheck reports every configured dependency.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	return healthErrors
}

// Close stops background work, flushes audit events and closes clients.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.scheduler != nil {
			f.scheduler.Stop()
		}
		if f.background != nil {
			f.background()
			if err := f.group.Wait(); err != nil {
				util.Error("Background task failed", util.ErrorField(err))
			}
		}

		if f.kafkaConsumer != nil {
			if err := f.kafkaConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}
		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
