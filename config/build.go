package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/adapters/crm"
	"github.com/erfanmomeniii/relay/adapters/csvblob"
	"github.com/erfanmomeniii/relay/adapters/dynamics"
	"github.com/erfanmomeniii/relay/adapters/sap"
	"github.com/erfanmomeniii/relay/adapters/sqltable"
	"github.com/erfanmomeniii/relay/lease"
	leaseredis "github.com/erfanmomeniii/relay/lease/redis"
	"github.com/erfanmomeniii/relay/messagebox"
	"github.com/erfanmomeniii/relay/messagebox/memory"
	"github.com/erfanmomeniii/relay/messagebox/postgres"
)

const (
	defaultSweepInterval  = time.Minute
	defaultDeadLetterSize = 1000
)

// RetryPolicy returns relay.DefaultRetryPolicy with the configured
// overrides.
func (c *Config) RetryPolicy() relay.RetryPolicy {
	p := relay.DefaultRetryPolicy()
	r := c.Engine.Retry
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.InitialDelay > 0 {
		p.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	if r.Multiplier > 0 {
		p.Multiplier = r.Multiplier
	}
	if r.Jitter > 0 {
		p.Jitter = r.Jitter
	}
	return p
}

// SweepInterval returns the configured purge period or its default.
func (c *Config) SweepInterval() time.Duration {
	if c.Engine.SweepInterval > 0 {
		return c.Engine.SweepInterval
	}
	return defaultSweepInterval
}

// LoopConfig returns the lease renewal settings.
func (c *Config) LoopConfig() lease.LoopConfig {
	return lease.LoopConfig{
		Interval:  c.Engine.RenewalInterval,
		Threshold: c.Engine.RenewalThreshold,
		Retention: c.Engine.LockRetention,
	}
}

// NewDeadLetterQueue returns the queue collecting skipped rows.
func (c *Config) NewDeadLetterQueue() *relay.InMemoryDLQ {
	size := c.Engine.DeadLetterSize
	if size == 0 {
		size = defaultDeadLetterSize
	}
	return relay.NewInMemoryDLQ(size)
}

// Factories returns a factory per adapter. Each one builds the connector
// from the protocol section of the instance with the same id.
func (c *Config) Factories(logger *slog.Logger) relay.Factories {
	if logger == nil {
		logger = slog.Default()
	}
	retry := c.RetryPolicy()

	section := func(inst relay.Instance) (InstanceConfig, error) {
		ic, ok := c.Find(inst.ID)
		if !ok {
			return InstanceConfig{}, fmt.Errorf("instance %q is not configured", inst.ID)
		}
		if !ic.hasSection(inst.AdapterName) {
			return InstanceConfig{}, fmt.Errorf("instance %q has no %q section", inst.ID, sectionOf(inst.AdapterName))
		}
		return ic, nil
	}

	return relay.Factories{
		csvblob.Name: func(inst relay.Instance) (relay.Connector, error) {
			ic, err := section(inst)
			if err != nil {
				return nil, err
			}
			return csvblob.Open(ic.CSV.Config, ic.CSV.Root,
				csvblob.WithLogger(logger), csvblob.WithRetryPolicy(retry))
		},
		sqltable.Name: func(inst relay.Instance) (relay.Connector, error) {
			ic, err := section(inst)
			if err != nil {
				return nil, err
			}
			return sqltable.Open(*ic.SQL, sqltable.WithLogger(logger), sqltable.WithRetryPolicy(retry))
		},
		sap.Name: func(inst relay.Instance) (relay.Connector, error) {
			ic, err := section(inst)
			if err != nil {
				return nil, err
			}
			return sap.New(*ic.SAP, sap.WithLogger(logger), sap.WithRetryPolicy(retry))
		},
		crm.Name: func(inst relay.Instance) (relay.Connector, error) {
			ic, err := section(inst)
			if err != nil {
				return nil, err
			}
			return crm.New(*ic.CRM, crm.WithLogger(logger), crm.WithRetryPolicy(retry))
		},
		dynamics.Name: func(inst relay.Instance) (relay.Connector, error) {
			ic, err := section(inst)
			if err != nil {
				return nil, err
			}
			return dynamics.New(*ic.Dynamics, crm.WithLogger(logger), crm.WithRetryPolicy(retry))
		},
	}
}

// PollingOptions returns the coordinator options of i.
func (i InstanceConfig) PollingOptions() []relay.PollingOption {
	switch {
	case i.Interval > 0:
		return []relay.PollingOption{relay.WithInterval(i.Interval)}
	case i.Polling == PollingFast:
		return []relay.PollingOption{relay.WithFastPolling()}
	case i.Polling == PollingSlow:
		return []relay.PollingOption{relay.WithSlowPolling()}
	}
	return nil
}

// AdapterOptions returns the adapter options of i under the engine
// settings of c.
func (c *Config) AdapterOptions(i InstanceConfig) []relay.AdapterOption {
	var opts []relay.AdapterOption
	if rps := c.Engine.RequestsPerSecond; rps > 0 {
		opts = append(opts, relay.WithRateLimiter(relay.NewRateLimiter(max(int(rps), 1), rps)))
	}
	if c.Engine.WriteTimeout > 0 {
		opts = append(opts, relay.WithWriteTimeout(c.Engine.WriteTimeout))
	}
	if len(i.RequiredColumns) > 0 {
		opts = append(opts, relay.WithRecordValidators(relay.RequiredColumns(i.RequiredColumns...)))
	}
	if i.Dedup != nil {
		var key relay.RecordKeyFunc
		if len(i.Dedup.Keys) > 0 {
			key = relay.KeyColumns(i.Dedup.Keys...)
		}
		opts = append(opts, relay.WithDeduplication(relay.NewDeduplicator[string](i.Dedup.TTL, i.Dedup.MaxSize), key))
	}
	return opts
}

// OpenRepository opens the configured MessageBox repository. The closer
// releases it.
func (c *Config) OpenRepository(ctx context.Context) (messagebox.Repository, io.Closer, error) {
	switch c.Store.Driver {
	case DriverPostgres:
		repo, err := postgres.Open(c.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		if c.Store.AutoMigrate {
			if err := repo.AutoMigrate(ctx); err != nil {
				_ = repo.Close()
				return nil, nil, fmt.Errorf("messagebox migration: %w", err)
			}
		}
		return repo, repo, nil
	default:
		return memory.New(), noClose{}, nil
	}
}

// OpenLeaseStore opens the configured lease store. The closer releases it.
func (c *Config) OpenLeaseStore(ctx context.Context) (lease.Store, io.Closer, error) {
	switch c.Leases.Driver {
	case DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     c.Leases.Addr,
			Password: c.Leases.Password,
			DB:       c.Leases.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("lease store: ping %s: %w", c.Leases.Addr, err)
		}
		store := leaseredis.New(client, c.Leases.Prefix, leaseredis.WithLogger(slog.Default().With("component", "leases")))
		return store, store, nil
	default:
		return lease.NewMemoryStore(), noClose{}, nil
	}
}

type noClose struct{}

func (noClose) Close() error { return nil }
