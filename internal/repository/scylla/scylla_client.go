package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS otp_records (
		channel       text,
		target        text,
		id            text,
		code_hash     text,
		created_at    timestamp,
		expires_at    timestamp,
		attempt_count int,
		superseded    list<text>,
		PRIMARY KEY ((channel, target))
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_states (
		state        text PRIMARY KEY,
		provider     text,
		redirect_uri text,
		created_at   timestamp,
		expires_at   timestamp
	)`,
}

// Statements holds the CQL used by the repositories. gocql prepares and
// caches each one on first use.
type Statements struct {
	InsertOTP          string
	ReplaceOTP         string
	ReplaceOrphanOTP   string
	GetOTP             string
	UpdateOTPAttempts  string
	ConsumeOTP         string
	DeleteOTPIfCurrent string
	ScanExpiredOTPs    string
	InsertState        string
	GetState           string
	DeleteState        string
	ScanExpiredStates  string
}

var statements = Statements{
	InsertOTP: `INSERT INTO otp_records (channel, target, id, code_hash, created_at, expires_at, attempt_count, superseded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS USING TTL ?`,
	ReplaceOTP: `UPDATE otp_records USING TTL ?
		SET id = ?, code_hash = ?, created_at = ?, expires_at = ?, attempt_count = ?, superseded = ?
		WHERE channel = ? AND target = ? IF id = ?`,
	ReplaceOrphanOTP: `UPDATE otp_records USING TTL ?
		SET id = ?, code_hash = ?, created_at = ?, expires_at = ?, attempt_count = ?, superseded = ?
		WHERE channel = ? AND target = ? IF id = null`,
	GetOTP: `SELECT id, code_hash, created_at, expires_at, attempt_count, superseded, TTL(code_hash)
		FROM otp_records WHERE channel = ? AND target = ?`,
	UpdateOTPAttempts: `UPDATE otp_records USING TTL ? SET attempt_count = ?
		WHERE channel = ? AND target = ? IF id = ? AND attempt_count = ?`,
	ConsumeOTP: `DELETE FROM otp_records
		WHERE channel = ? AND target = ? IF id = ? AND attempt_count < ?`,
	DeleteOTPIfCurrent: `DELETE FROM otp_records WHERE channel = ? AND target = ? IF id = ?`,
	ScanExpiredOTPs: `SELECT channel, target, id FROM otp_records
		WHERE expires_at < ? ALLOW FILTERING`,
	InsertState: `INSERT INTO oauth_states (state, provider, redirect_uri, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?) IF NOT EXISTS USING TTL ?`,
	GetState: `SELECT provider, redirect_uri, created_at, expires_at
		FROM oauth_states WHERE state = ?`,
	DeleteState: `DELETE FROM oauth_states WHERE state = ? IF EXISTS`,
	ScanExpiredStates: `SELECT state FROM oauth_states
		WHERE expires_at < ? ALLOW FILTERING`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	Statements Statements
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session, Statements: statements}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.EnsureSchema(ctx); err != nil {
		session.Close()
		return nil, err
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates the tables if they are missing.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

// ExecCAS runs a lightweight transaction and reports whether it was applied.
func (s *ScyllaClient) ExecCAS(ctx context.Context, stmt string, values ...interface{}) (bool, error) {
	applied, _, err := s.ExecCASPrevious(ctx, stmt, values...)
	return applied, err
}

// ExecCASPrevious is ExecCAS that also returns the current row when the
// condition did not hold.
func (s *ScyllaClient) ExecCASPrevious(ctx context.Context, stmt string, values ...interface{}) (bool, map[string]interface{}, error) {
	previous := map[string]interface{}{}
	applied, err := s.Query(ctx, stmt, values...).MapScanCAS(previous)
	return applied, previous, err
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries transient read failures; it never retries ErrNotFound.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

func ttlSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}
