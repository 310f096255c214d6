package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/detectors/aws/ecs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IliaW/note-crawler/config"
	"github.com/google/uuid"
)

var meter metric.Meter

type MetricsProvider struct {
	KafkaConsumerMetrics *KafkaConsumerMetrics
	KafkaProducerMetrics *KafkaProducerMetrics
	CrawlMetrics         *CrawlMetrics
	PoolMetrics          *PoolMetrics
	Close                func()
}

type KafkaConsumerMetrics struct {
	SuccessfullyReadMsgCnt func(count int64)
	FailedReadMsgCnt       func(count int64)
}

type KafkaProducerMetrics struct {
	SuccessfullySendMsgCnt func(count int64)
	FailedSendMsgCnt       func(count int64)
}

type CrawlMetrics struct {
	TasksStarted        func(count int64)
	TasksCompleted      func(count int64)
	TasksFailed         func(count int64)
	NotesCrawled        func(count int64)
	CommentsCrawled     func(count int64)
	PersistFailed       func(count int64)
	PageRetries         func(count int64)
	SignFallbacks       func(count int64)
	CredentialRotations func(count int64)
	MediaUploaded       func(count int64)
}

type PoolMetrics struct {
	CredentialSelected func(count int64)
	ProxySelected      func(count int64)
	ProxyRetired       func(count int64)
	CredentialExpired  func(count int64)
}

func SetupMetrics(ctx context.Context, cfg *config.Config) *MetricsProvider {
	metricsProvider := new(MetricsProvider)
	var meterProvider *sdkmetric.MeterProvider

	if cfg.TelemetrySettings.Enabled {
		r, err := newResource(cfg)
		if err != nil {
			slog.Error("failed to get resource.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		exporter, err := newMetricExporter(ctx, cfg.TelemetrySettings)
		if err != nil {
			slog.Error("failed to get metric exporter.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		meterProvider = newMeterProvider(exporter, *r)
		otel.SetMeterProvider(meterProvider)
	}

	meter = otel.Meter(cfg.ServiceName)
	metricsProvider.Close = func() {
		if meterProvider != nil {
			err := meterProvider.Shutdown(ctx)
			if err != nil {
				slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
			}
		}
	}

	counter := func(name, description, unit string) func(int64) {
		c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
		if err != nil {
			slog.Error("failed to create telemetry counter.", slog.String("name", name),
				slog.String("err", err.Error()))
			os.Exit(1)
		}
		return func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				c.Add(ctx, count)
			}
		}
	}

	metricsProvider.KafkaConsumerMetrics = &KafkaConsumerMetrics{
		SuccessfullyReadMsgCnt: counter("note-crawler.kafka.read.success",
			"The number of task requests the kafka consumer read", "{messages}"),
		FailedReadMsgCnt: counter("note-crawler.kafka.read.fail",
			"The number of task requests the kafka consumer could not read", "{messages}"),
	}
	metricsProvider.KafkaProducerMetrics = &KafkaProducerMetrics{
		SuccessfullySendMsgCnt: counter("note-crawler.kafka.send.success",
			"The number of content events written to kafka", "{messages}"),
		FailedSendMsgCnt: counter("note-crawler.kafka.send.fail",
			"The number of content events that could not be written to kafka", "{messages}"),
	}
	metricsProvider.CrawlMetrics = &CrawlMetrics{
		TasksStarted:        counter("note-crawler.tasks.started", "Tasks moved to running", "{tasks}"),
		TasksCompleted:      counter("note-crawler.tasks.completed", "Tasks finished normally", "{tasks}"),
		TasksFailed:         counter("note-crawler.tasks.failed", "Tasks finished with an error", "{tasks}"),
		NotesCrawled:        counter("note-crawler.notes.crawled", "Notes persisted", "{notes}"),
		CommentsCrawled:     counter("note-crawler.comments.crawled", "Comments persisted", "{comments}"),
		PersistFailed:       counter("note-crawler.persist.fail", "Items the sink rejected", "{items}"),
		PageRetries:         counter("note-crawler.pages.retry", "Page fetches repeated after an error", "{pages}"),
		SignFallbacks:       counter("note-crawler.sign.fallback", "Local signing failures served by the browser", "{requests}"),
		CredentialRotations: counter("note-crawler.credentials.rotated", "Credentials replaced mid-task", "{credentials}"),
		MediaUploaded:       counter("note-crawler.media.uploaded", "Media files stored in s3", "{files}"),
	}
	metricsProvider.PoolMetrics = &PoolMetrics{
		CredentialSelected: counter("note-crawler.pool.credential.selected", "Credential selections", "{selections}"),
		ProxySelected:      counter("note-crawler.pool.proxy.selected", "Proxy selections", "{selections}"),
		ProxyRetired:       counter("note-crawler.pool.proxy.retired", "Proxies auto-retired for low success rate", "{proxies}"),
		CredentialExpired:  counter("note-crawler.pool.credential.expired", "Credentials marked expired", "{credentials}"),
	}

	return metricsProvider
}

// NopMetrics returns a provider whose counters discard everything.
func NopMetrics() *MetricsProvider {
	nop := func(int64) {}
	return &MetricsProvider{
		KafkaConsumerMetrics: &KafkaConsumerMetrics{SuccessfullyReadMsgCnt: nop, FailedReadMsgCnt: nop},
		KafkaProducerMetrics: &KafkaProducerMetrics{SuccessfullySendMsgCnt: nop, FailedSendMsgCnt: nop},
		CrawlMetrics: &CrawlMetrics{
			TasksStarted:        nop,
			TasksCompleted:      nop,
			TasksFailed:         nop,
			NotesCrawled:        nop,
			CommentsCrawled:     nop,
			PersistFailed:       nop,
			PageRetries:         nop,
			SignFallbacks:       nop,
			CredentialRotations: nop,
			MediaUploaded:       nop,
		},
		PoolMetrics: &PoolMetrics{
			CredentialSelected: nop,
			ProxySelected:      nop,
			ProxyRetired:       nop,
			CredentialExpired:  nop,
		},
		Close: func() {},
	}
}

func newResource(cfg *config.Config) (*resource.Resource, error) {
	ecsResourceDetector := ecs.NewResourceDetector()
	ecsResource, err := ecsResourceDetector.Detect(context.Background())
	if err != nil {
		slog.Error("ecs detection failed", slog.String("err", err.Error()))
	}
	mergedResource, err := resource.Merge(ecsResource, resource.Default())
	if err != nil {
		slog.Error("failed to merge resources", slog.String("err", err.Error()))
	}
	keyValue, found := ecsResource.Set().Value("container.id")
	var serviceId string
	if found {
		serviceId = keyValue.AsString()
	} else {
		serviceId = uuid.New().String()
	}
	return resource.Merge(mergedResource,
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Env),
			semconv.ServiceInstanceID(serviceId),
		))
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (sdkmetric.Exporter, error) {
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorUrl),
		otlpmetrichttp.WithInsecure())
}

func newMeterProvider(meterExporter sdkmetric.Exporter, resource resource.Resource) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter)),
		sdkmetric.WithResource(&resource),
	)
}
