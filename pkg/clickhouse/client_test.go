package clickhouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN(ClientConfig{
		Host:         "ch",
		Port:         9000,
		Database:     "coinscout",
		User:         "default",
		DialTimeout:  5 * time.Second,
		MaxExecTime:  30 * time.Second,
		AsyncInsert:  true,
		WaitForAsync: true,
	})
	assert.Equal(t, "clickhouse://default:@ch:9000/coinscout?dial_timeout=5s&max_execution_time=30&async_insert=1&wait_for_async_insert=1", dsn)
}

func TestBuildDSNHTTP(t *testing.T) {
	dsn := buildDSN(ClientConfig{Host: "ch", Port: 8123, Database: "db", User: "u", Password: "p", UseHTTP: true})
	assert.Equal(t, "clickhouse+http://u:p@ch:8123/db", dsn)
}

func TestBuildDSNEscapesCredentialsAndDefaultsPort(t *testing.T) {
	dsn := buildDSN(ClientConfig{Host: "ch", Database: "db", User: "scanner", Password: "p@ss/word"})
	assert.Equal(t, "clickhouse://scanner:p%40ss%2Fword@ch:9000/db", dsn)

	assert.Equal(t, "ch:8123", hostPort(ClientConfig{Host: "ch", UseHTTP: true}))
}

func TestNewClientRequiresHost(t *testing.T) {
	_, err := NewClient(WithPort(9000))
	assert.ErrorIs(t, err, ErrHostRequired)
}

func TestDDLSubject(t *testing.T) {
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS db.opportunities",
		ddlSubject("CREATE TABLE IF NOT EXISTS db.opportunities (\n ts DateTime64(3)\n) ENGINE = MergeTree"))
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS coinscout", ddlSubject("CREATE DATABASE IF NOT EXISTS coinscout"))
}
