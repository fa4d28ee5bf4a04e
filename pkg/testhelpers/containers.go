package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
)

const (
	// PostgresTestImage is the source database image.
	PostgresTestImage = "postgres:16-alpine"
	// MongoTestImage is the target image. Transactions need the replica set.
	MongoTestImage = "mongo:7"

	testUser     = "ekaya"
	testPassword = "test_password"
	testDatabase = "test_data"
)

// fixtureSQL seeds the source tables used by adapter and transfer integration tests.
const fixtureSQL = `
CREATE TABLE orders (
	id          bigint PRIMARY KEY,
	customer    text NOT NULL,
	amount      numeric(12,3),
	placed_at   timestamptz NOT NULL,
	paid        boolean NOT NULL DEFAULT false,
	receipt     bytea,
	ref         uuid
);
CREATE INDEX orders_customer_idx ON orders (customer);
CREATE UNIQUE INDEX orders_ref_key ON orders (ref);
INSERT INTO orders
SELECT g,
       'customer-' || (g % 17),
       (g * 1.125)::numeric(12,3),
       timestamptz '2024-01-01 00:00:00+00' + g * interval '1 minute',
       g % 2 = 0,
       decode(lpad(to_hex(g), 8, '0'), 'hex'),
       md5(g::text)::uuid
FROM generate_series(1, 1037) AS g;

CREATE TABLE line_items (
	order_id bigint NOT NULL,
	line_no  integer NOT NULL,
	sku      varchar(32) NOT NULL,
	qty      smallint NOT NULL,
	PRIMARY KEY (order_id, line_no)
);
INSERT INTO line_items
SELECT o, l, 'sku-' || l, (o + l) % 5 + 1
FROM generate_series(1, 40) AS o, generate_series(1, 3) AS l;

CREATE TABLE audit_log (
	happened_at timestamp NOT NULL,
	message     text
);
INSERT INTO audit_log
SELECT timestamp '2024-02-01' + g * interval '1 second', 'event ' || g
FROM generate_series(1, 250) AS g;

CREATE TABLE shapes (
	id   integer PRIMARY KEY,
	area polygon
);
`

// TestDB holds a shared test database container and connection pool.
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	ConnStr   string
	Host      string
	Port      int
}

// SourceConfig returns a source configuration pointing at the container.
func (db *TestDB) SourceConfig() *config.SourceConfig {
	return &config.SourceConfig{
		Type:         "postgres",
		Host:         db.Host,
		Port:         db.Port,
		User:         testUser,
		Password:     testPassword,
		Database:     testDatabase,
		Schema:       "public",
		SSLMode:      "disable",
		PoolMaxConns: 4,
		PoolMinConns: 1,
	}
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container for integration tests.
// The container is created once, seeded with the fixture tables and reused
// across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresTestImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       testDatabase,
			"POSTGRES_USER":     testUser,
			"POSTGRES_PASSWORD": testPassword,
		},
		// The entrypoint restarts the server once after init scripts.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		testUser, testPassword, host, port.Port(), testDatabase)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection with retry
	for i := 0; i < 10; i++ {
		if err := pool.Ping(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	if _, err := pool.Exec(ctx, fixtureSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to seed fixture tables: %w", err)
	}

	return &TestDB{
		Container: container,
		Pool:      pool,
		ConnStr:   connStr,
		Host:      host,
		Port:      port.Int(),
	}, nil
}

// TestMongo holds a shared single-node replica set.
type TestMongo struct {
	Container *mongodb.MongoDBContainer
	URI       string
}

// TargetConfig returns a target configuration for the given database on the
// container. Every test should use its own database name.
func (m *TestMongo) TargetConfig(database string) *config.TargetConfig {
	return &config.TargetConfig{
		URI:                    m.URI,
		Database:               database,
		AppName:                "ekaya-migrate-test",
		MinPoolSize:            1,
		MaxPoolSize:            4,
		PoolAcquireTimeout:     5 * time.Second,
		ConnectTimeout:         10 * time.Second,
		ServerSelectionTimeout: 10 * time.Second,
		OperationTimeout:       30 * time.Second,
		MaxIdleTime:            time.Minute,
		ReadPreference:         "primary",
		WriteConcernW:          "majority",
		WriteConcernJournal:    true,
		RetryWrites:            true,
		RetryReads:             true,
		UseTransactions:        true,
	}
}

var (
	sharedTestMongo     *TestMongo
	sharedTestMongoOnce sync.Once
	sharedTestMongoErr  error
)

// GetTestMongo returns a shared MongoDB replica-set container for integration tests.
func GetTestMongo(t *testing.T) *TestMongo {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestMongoOnce.Do(func() {
		sharedTestMongo, sharedTestMongoErr = setupTestMongo()
	})

	if sharedTestMongoErr != nil {
		t.Fatalf("Failed to setup test mongo: %v", sharedTestMongoErr)
	}

	return sharedTestMongo
}

func setupTestMongo() (*TestMongo, error) {
	ctx := context.Background()

	container, err := mongodb.Run(ctx, MongoTestImage, mongodb.WithReplicaSet("rs0"))
	if err != nil {
		return nil, fmt.Errorf("failed to start mongo container: %w", err)
	}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get mongo connection string: %w", err)
	}

	return &TestMongo{Container: container, URI: uri}, nil
}
