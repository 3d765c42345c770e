//go:build integration

package main_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/application"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/channel"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/events"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/kafka"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/repository"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/routing"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/statemachine"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	bookingTopic = "booking.events"
	paymentTopic = "payment.events"
	eventsTopic  = "appointment.events"
)

// testInfra holds shared test infrastructure.
type testInfra struct {
	DB           *gorm.DB
	KafkaBrokers []string
	Cleanup      func()
}

// dispatchStack holds wired-up dispatch service components.
type dispatchStack struct {
	Service  *application.DispatchService
	Machine  *statemachine.Machine
	Consumer *events.InboundConsumer
	Cleanup  func()
}

// straightProvider returns a two-step straight-line route.
type straightProvider struct{}

func (straightProvider) Directions(_ context.Context, profile route.Profile, points []geo.Point) (*route.Route, error) {
	origin, dest := points[0], points[len(points)-1]
	d, err := geo.DistanceMeters(origin, dest)
	if err != nil {
		return nil, route.ErrNoRouteFound
	}
	return &route.Route{
		Geometry:        points,
		DistanceMeters:  d,
		DurationSeconds: d / 10,
		Profile:         profile,
		Steps: []route.Step{
			{InstructionText: "Head to pickup", DistanceMeters: d, DurationSeconds: d / 10, ManeuverType: "depart", Location: origin},
			{InstructionText: "You have arrived", ManeuverType: "arrive", Location: dest},
		},
	}, nil
}

func (straightProvider) Optimize(_ context.Context, profile route.Profile, points []geo.Point, _, _ bool) (*route.Route, error) {
	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	return &route.Route{Geometry: points, WaypointOrder: order, Profile: profile}, nil
}

// setupContainers starts PostgreSQL and Kafka testcontainers and returns a connected GORM DB.
func setupContainers(t *testing.T) *testInfra {
	t.Helper()
	ctx := context.Background()

	// Start PostgreSQL container with log-based wait strategy.
	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test_dispatch",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	require.NoError(t, err, "failed to start PostgreSQL container")

	pgHost, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=test password=test dbname=test_dispatch sslmode=disable", pgHost, pgPort.Port())

	// Poll until GORM can actually connect and ping.
	var db *gorm.DB
	require.Eventually(t, func() bool {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return false
		}
		sqlDB, err := db.DB()
		if err != nil {
			return false
		}
		return sqlDB.Ping() == nil
	}, 30*time.Second, 1*time.Second, "PostgreSQL not ready for connections")

	require.NoError(t, db.AutoMigrate(&repository.AppointmentModel{}))

	// Start Kafka container using confluent-local (supports KRaft natively).
	kafkaContainer, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err, "failed to start Kafka container")

	kafkaBrokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err, "failed to get Kafka brokers")

	createTopics(t, kafkaBrokers, bookingTopic, paymentTopic, eventsTopic)

	cleanup := func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Kafka container: %v", err)
		}
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate PostgreSQL container: %v", err)
		}
	}

	return &testInfra{
		DB:           db,
		KafkaBrokers: kafkaBrokers,
		Cleanup:      cleanup,
	}
}

// setupDispatchStack wires up the dispatch service against real Postgres
// and Kafka, with an in-process live channel.
func setupDispatchStack(t *testing.T, db *gorm.DB, brokers []string) *dispatchStack {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	repo := repository.NewGormAppointmentRepository(db)
	producer := kafka.NewProducer(brokers, logger)
	machine := statemachine.New(channel.NewMemoryBus().Endpoint(), repo, logger, statemachine.WithOrigin("it-node"))
	engine := routing.NewEngine(straightProvider{}, logger)

	svc := application.NewDispatchService(
		machine,
		engine,
		repo,
		events.NewAppointmentPublisher(producer, eventsTopic),
		application.Settings{
			DefaultProfile:       route.ProfileDriving,
			OffRouteMeters:       75,
			ArrivalRadiusMeters:  25,
			RetryInitialInterval: 50 * time.Millisecond,
			RetryMaxElapsed:      10 * time.Second,
		},
		logger,
	)

	groupID := fmt.Sprintf("test-dispatch-%s", uuid.New().String()[:8])
	consumer := events.NewInboundConsumer(brokers, groupID, bookingTopic, paymentTopic, svc, logger)

	return &dispatchStack{
		Service:  svc,
		Machine:  machine,
		Consumer: consumer,
		Cleanup: func() {
			_ = consumer.Close()
			svc.Close()
			_ = producer.Close()
		},
	}
}

// publishTestEvent publishes a CloudEvent to Kafka.
func publishTestEvent(t *testing.T, brokers []string, topic, source, eventType string, data interface{}) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	producer := kafka.NewProducer(brokers, logger)
	defer func() { _ = producer.Close() }()

	ce, err := kafka.NewCloudEvent(source, eventType, data)
	require.NoError(t, err, "failed to create cloud event")

	err = producer.PublishEvent(context.Background(), topic, ce)
	require.NoError(t, err, "failed to publish event")
}

// waitForAppointment polls the appointments table until match accepts the row.
func waitForAppointment(t *testing.T, db *gorm.DB, id uuid.UUID, timeout time.Duration, match func(repository.AppointmentModel) bool) repository.AppointmentModel {
	t.Helper()
	var result repository.AppointmentModel
	require.Eventually(t, func() bool {
		var model repository.AppointmentModel
		if err := db.Where("id = ?", id).First(&model).Error; err != nil {
			return false
		}
		if match(model) {
			result = model
			return true
		}
		return false
	}, timeout, 200*time.Millisecond, "appointment %s did not reach the expected state", id)
	return result
}

// consumeOneEvent reads from a Kafka topic until it finds an event of the
// expected type about subject.
func consumeOneEvent(t *testing.T, brokers []string, topic, expectedType, subject string, timeout time.Duration) kafka.CloudEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	groupID := fmt.Sprintf("test-assert-%s", uuid.New().String()[:8])
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafkago.FirstOffset,
	})
	defer func() { _ = reader.Close() }()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.Fatalf("timed out waiting for event type %q on topic %q", expectedType, topic)
			}
			continue
		}
		ce, err := kafka.ParseCloudEvent(msg.Value)
		if err != nil {
			continue
		}
		if ce.Type == expectedType && ce.Subject == subject {
			return ce
		}
	}
}

// createTopics pre-creates Kafka topics so producers don't fail with "Unknown Topic".
func createTopics(t *testing.T, brokers []string, topics ...string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", brokers[0])
	require.NoError(t, err, "failed to dial Kafka for topic creation")
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err, "failed to get Kafka controller")

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	require.NoError(t, err, "failed to connect to Kafka controller")
	defer controllerConn.Close()

	topicConfigs := make([]kafkago.TopicConfig, len(topics))
	for i, topic := range topics {
		topicConfigs[i] = kafkago.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		}
	}
	err = controllerConn.CreateTopics(topicConfigs...)
	require.NoError(t, err, "failed to create Kafka topics")

	// Give Kafka a moment to propagate topic metadata.
	time.Sleep(1 * time.Second)
}
