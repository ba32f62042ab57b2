package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"gpsrelay/internal/config"
	"gpsrelay/internal/rawdump"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errBoot = errors.New("boot failed")

func testConfig(dir string) config.Config {
	return config.Config{
		RawTopic:     "raw",
		Workers:      2,
		BatchSize:    8,
		BlockTimeout: 20 * time.Millisecond,
		DumpPath:     dir,
		DumpIdleTTL:  time.Hour,
	}
}

func TestRunRequiresRedisAndPath(t *testing.T) {
	if err := Run(context.Background(), testConfig(t.TempDir()), nil, nil, make(chan os.Signal)); err == nil {
		t.Fatalf("expected error without redis")
	}

	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	if err := Run(context.Background(), testConfig(""), rdb, nil, make(chan os.Signal)); err == nil {
		t.Fatalf("expected error without a dump path")
	}
}

func TestRunArchivesBacklog(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	ctx := context.Background()
	dir := t.TempDir()

	for _, fix := range []string{
		`{"key":"dev-1","point":{"lat":"1","timestamp":"101","starttimestamp":"100"}}`,
		`{"key":"dev-1","point":{"lat":"2","timestamp":"102","starttimestamp":"100"}}`,
	} {
		if err := rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: "raw",
			Values: map[string]interface{}{"key": "dev-1", "data": fix},
		}).Err(); err != nil {
			t.Fatalf("seed raw topic: %v", err)
		}
	}

	signals := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- Run(ctx, testConfig(dir), rdb, zap.NewNop(), signals) }()

	path := filepath.Join(dir, "dev-1", rawdump.FileName(100))
	deadline := time.Now().Add(3 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil && strings.Count(string(data), "\n") == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archive not written in time: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	signals <- syscall.SIGTERM
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func validDeps(run func(context.Context, config.Config, *redis.Client, *zap.Logger, <-chan os.Signal) error) mainDeps {
	return mainDeps{
		loadConfig: func() config.Config {
			cfg := config.Load()
			cfg.DumpPath = "/tmp/raw"
			return cfg
		},
		newLogger:    func(string, string, string) (*zap.Logger, error) { return zap.NewNop(), nil },
		connectRedis: func(config.Config) *redis.Client { return nil },
		pingRedis:    func(*redis.Client) error { return nil },
		notify:       func(chan<- os.Signal, ...os.Signal) {},
		run:          run,
	}
}

func TestRealMainRuns(t *testing.T) {
	calledRun := false
	realMain(validDeps(func(context.Context, config.Config, *redis.Client, *zap.Logger, <-chan os.Signal) error {
		calledRun = true
		return errBoot
	}))
	if !calledRun {
		t.Fatalf("expected run to be called")
	}
}

func TestRealMainStopsOnBootFailures(t *testing.T) {
	run := func(context.Context, config.Config, *redis.Client, *zap.Logger, <-chan os.Signal) error {
		t.Fatalf("run must not be called")
		return nil
	}

	deps := validDeps(run)
	deps.pingRedis = func(*redis.Client) error { return errBoot }
	realMain(deps)

	deps = validDeps(run)
	deps.loadConfig = config.Load
	t.Setenv("DUMP_PATH", "")
	realMain(deps)

	deps = validDeps(run)
	deps.loadConfig = func() config.Config { return config.Config{} }
	realMain(deps)
}

func TestDefaultDeps(t *testing.T) {
	deps := defaultDeps()
	if deps.loadConfig == nil || deps.run == nil || deps.notify == nil {
		t.Fatalf("expected default deps")
	}
}
