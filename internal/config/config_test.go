package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every override variable so the host environment
// cannot leak into a test. Empty values are ignored by the env parser.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "MONGO_URI", "CGPT_HOST", "CGPT_CORS_ORIGINS", "CGPT_BODY_LIMIT_BYTES",
		"CGPT_PROXY_TIMEOUT", "CGPT_PROXY_MAX_RESPONSE_BYTES",
		"CGPT_STORE_DRIVER", "CGPT_STORE_DSN", "CGPT_SQLITE_PATH",
		"CGPT_MYSQL_HOST", "CGPT_MYSQL_PORT", "CGPT_MYSQL_USER", "CGPT_MYSQL_PASSWORD", "CGPT_MYSQL_DATABASE",
		"CGPT_MONGO_DATABASE", "CGPT_MONGO_COLLECTION", "CGPT_MONGO_CONNECT_TIMEOUT",
		"DB_HEALTH_TIMEOUT", "DB_HEALTH_SCHEDULE",
		"CGPT_LOG_LEVEL", "CGPT_LOG_FORMAT", "CGPT_LOG_FILE",
		"CGPT_SERVER_URL", "CGPT_CLIENT_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
}

const fullYAML = `
server:
  host: 0.0.0.0
  port: 8080
  cors_origins: ["http://localhost:5173", "http://localhost:3000"]
proxy:
  timeout: 10s
  max_response_bytes: 4096
store:
  driver: MONGO
  mongo:
    uri: mongodb://db:27017/chats
    database: chats
    collection: transcripts
  health_schedule: "@every 5s"
log:
  level: debug
  format: json
  file: /tmp/cgpt.log
client:
  server_url: http://proxy.local:8080/
`

func TestParse_FullConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Len(t, cfg.Server.CORSOrigins, 2)
	assert.Equal(t, 10*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, int64(4096), cfg.Proxy.MaxResponseBytes)
	assert.Equal(t, DriverMongo, cfg.Store.Driver, "driver is lowercased")
	assert.Equal(t, "mongodb://db:27017/chats", cfg.Store.Mongo.URI)
	assert.Equal(t, "transcripts", cfg.Store.Mongo.Collection)
	assert.Equal(t, "@every 5s", cfg.Store.HealthSchedule)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/tmp/cgpt.log", cfg.Log.File)
	assert.Equal(t, "http://proxy.local:8080", cfg.Client.ServerURL, "trailing slash trimmed")
	assert.Equal(t, 25*time.Second, cfg.Client.Timeout, "proxy timeout + 15s")
}

func TestParse_Empty_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, int64(2<<20), cfg.Server.BodyLimitBytes)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 60*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, int64(32<<20), cfg.Proxy.MaxResponseBytes)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "customgpt.db", cfg.Store.SQLitePath)
	assert.Empty(t, cfg.Store.Mongo.URI, "no mongo uri for the sqlite driver")
	assert.Equal(t, 5*time.Second, cfg.Store.HealthTimeout)
	assert.Equal(t, "@every 30s", cfg.Store.HealthSchedule)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "http://localhost:3000", cfg.Client.ServerURL, "derived from port")
}

func TestParse_MongoDriver_DefaultURI(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte("store:\n  driver: mongo\n"))
	require.NoError(t, err)
	assert.Equal(t, "mongodb://localhost:27017/customgpt", cfg.Store.Mongo.URI)
}

func TestParse_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "4100")
	t.Setenv("CGPT_STORE_DRIVER", "mongo")
	t.Setenv("MONGO_URI", "mongodb://env:27017/x")
	t.Setenv("CGPT_LOG_LEVEL", "warn")
	t.Setenv("CGPT_CORS_ORIGINS", "http://a,http://b")
	t.Setenv("CGPT_PROXY_TIMEOUT", "5s")

	cfg, err := Parse([]byte("server:\n  port: 8080\nlog:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, DriverMongo, cfg.Store.Driver)
	assert.Equal(t, "mongodb://env:27017/x", cfg.Store.Mongo.URI)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 5*time.Second, cfg.Proxy.Timeout)
}

func TestParse_EnvOverride_BadValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-port")
	_, err := Parse(nil)
	assert.ErrorContains(t, err, "config: env:")
}

func TestParse_MySQLRequiresDatabase(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]byte("store:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "store.mysql.database is required")

	// A DSN stands in for the individual fields.
	_, err = Parse([]byte("store:\n  driver: mysql\n  dsn: root@tcp(127.0.0.1:3306)/cgpt\n"))
	assert.NoError(t, err)
}

func TestParse_MultipleValidationErrors(t *testing.T) {
	clearEnv(t)
	data := `
server:
  port: 70000
store:
  driver: postgres
  health_schedule: "every now and then"
log:
  format: xml
`
	_, err := Parse([]byte(data))
	require.Error(t, err)
	for _, want := range []string{
		"config: validation failed",
		"server.port 70000 out of range",
		`store.driver "postgres"`,
		"store.health_schedule",
		`log.format "xml"`,
	} {
		assert.ErrorContains(t, err, want)
	}
	assert.Equal(t, 3, strings.Count(err.Error(), "; "), "four errors joined: %s", err)
}

func TestParse_InvalidYAML(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]byte(":::invalid"))
	assert.ErrorContains(t, err, "config: parse:")
}

func TestLoad_ValidFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "customgpt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestLoad_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("/nonexistent/customgpt.yaml")
	require.NoError(t, err, "missing file falls back to defaults")
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoad_Unreadable(t *testing.T) {
	clearEnv(t)
	// A directory exists but cannot be read as a file.
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "config: read")
}

// --- Fixture-based tests using testdata/ files ---

func TestLoad_FullFixture(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("testdata/valid_full.yaml")
	require.NoError(t, err)
	assert.Equal(t, DriverMySQL, cfg.Store.Driver)
	assert.Equal(t, "10.0.0.5", cfg.Store.MySQL.Host)
	assert.Equal(t, 3307, cfg.Store.MySQL.Port)
	assert.Equal(t, 2*time.Second, cfg.Store.HealthTimeout)
	assert.Equal(t, 45*time.Second, cfg.Client.Timeout)
}

func TestLoad_MinimalFixture(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("testdata/valid_minimal.yaml")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
}

func TestLoad_InvalidDriverFixture(t *testing.T) {
	clearEnv(t)
	_, err := Load("testdata/invalid_driver.yaml")
	assert.ErrorContains(t, err, "store.driver")
}

func TestLoad_InvalidYAMLFixture(t *testing.T) {
	clearEnv(t)
	_, err := Load("testdata/invalid_yaml.yaml")
	assert.ErrorContains(t, err, "config: parse:")
}
