package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/airsend/airsend-core/v1/adapter"
	"github.com/airsend/airsend-core/v1/cache"
	"github.com/airsend/airsend-core/v1/dispatch"
	"github.com/airsend/airsend-core/v1/lock"
	"github.com/airsend/airsend-core/v1/pathlock"
	"github.com/airsend/airsend-core/v1/queue"
	"github.com/airsend/airsend-core/v1/syncbus"
	"github.com/airsend/airsend-core/v1/token"
	"github.com/airsend/airsend-core/v1/watchbus"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
	kafkaClientID    = "airsend-core"
)

// redisClient returns the shared Redis client, or nil when no address is
// configured and every shared structure stays process local.
func (a *app) redisClient(ctx context.Context) (redis.UniversalClient, error) {
	if a.rdb != nil || a.cfg.RedisAddr == "" {
		return a.rdb, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", a.cfg.RedisAddr, err)
	}
	a.rdb = rdb
	a.onClose(rdb.Close)
	return rdb, nil
}

func (a *app) natsConn() (*nats.Conn, error) {
	if a.nc != nil {
		return a.nc, nil
	}
	nc, err := nats.Connect(a.cfg.NATSURL, nats.Name("airsend-core"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", a.cfg.NATSURL, err)
	}
	a.nc = nc
	a.onClose(func() error { nc.Close(); return nil })
	return nc, nil
}

// sharedCache returns a Redis backed cache namespaced by name, or a process
// local one without Redis.
func sharedCache[T any](ctx context.Context, a *app, name string) (cache.Cache[T], error) {
	rdb, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		return cache.NewRedis[T](rdb, cache.WithPrefix("airsend:"+name+":")), nil
	}
	c := cache.NewInMemory[T](cache.WithMetrics[T](a.registry, name))
	a.onClose(func() error { c.Close(); return nil })
	return c, nil
}

// wakeBus picks the transport carrying critical section release
// notifications.
func (a *app) wakeBus(ctx context.Context) (syncbus.Bus, error) {
	rdb, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case rdb != nil:
		b := syncbus.NewRedisBus(rdb, "airsend:critsec:")
		a.onClose(b.Close)
		return b, nil
	case a.cfg.Transport == "nats":
		nc, err := a.natsConn()
		if err != nil {
			return nil, err
		}
		return syncbus.NewNATSBus(nc, "airsend.critsec."), nil
	}
	return syncbus.NewInMemoryBus(), nil
}

func (a *app) mutex(ctx context.Context) (*lock.Mutex, error) {
	entries, err := sharedCache[lock.Entry](ctx, a, "critsec")
	if err != nil {
		return nil, err
	}
	bus, err := a.wakeBus(ctx)
	if err != nil {
		return nil, err
	}
	return lock.New(entries, lock.WithBus(bus), lock.WithLogger(a.logger)), nil
}

func (a *app) recordStore(ctx context.Context) (adapter.Store, error) {
	if a.cfg.DatabaseURL != "" {
		dialect, err := adapter.ParseDialect(a.cfg.Dialect)
		if err != nil {
			return nil, err
		}
		db, err := adapter.Open(dialect, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.onClose(db.Close)
		return adapter.NewSQLStore(db, dialect), nil
	}
	rdb, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		return adapter.NewRedisStore(rdb), nil
	}
	return adapter.NewInMemoryStore(), nil
}

func (a *app) pathLocks(ctx context.Context) (*pathlock.Service, error) {
	store, err := a.recordStore(ctx)
	if err != nil {
		return nil, err
	}
	mu, err := a.mutex(ctx)
	if err != nil {
		return nil, err
	}
	// the background side never checks read access; it only sweeps
	deny := pathlock.AuthorizerFunc(func(context.Context, int64, string) (bool, error) { return false, nil })
	return pathlock.New(store, mu, deny,
		pathlock.WithLogger(a.logger),
		pathlock.WithSection(a.cfg.LockLease, a.cfg.LockWait),
	), nil
}

func (a *app) tokens(ctx context.Context) (*token.Service, error) {
	store, err := sharedCache[string](ctx, a, "token")
	if err != nil {
		return nil, err
	}
	opts := []token.Option{token.WithLogger(a.logger)}
	if a.cfg.KeyCacheSize > 0 {
		keys, err := cache.NewRistretto[*rsa.PublicKey](cache.WithMaxCost(a.cfg.KeyCacheSize))
		if err != nil {
			return nil, fmt.Errorf("verification key cache: %w", err)
		}
		a.onClose(func() error { keys.Close(); return nil })
		opts = append(opts, token.WithKeyCache(keys))
	}
	return token.New(store, token.Config{
		Issuer:        a.cfg.TokenIssuer,
		TokenTTL:      a.cfg.TokenTTL,
		PrivateKeyTTL: a.cfg.PrivateKeyTTL,
		PublicKeyTTL:  a.cfg.PublicKeyTTL,
		KeyBits:       a.cfg.KeyBits,
	}, opts...)
}

func (a *app) watchBus(ctx context.Context) (watchbus.WatchBus, error) {
	rdb, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		return watchbus.NewRedisWatchBus(rdb, ""), nil
	}
	return watchbus.NewInMemory(), nil
}

// eventConsumer builds the dispatch consumer replaying queued events, with
// lock notifications forwarded to watch.
func (a *app) eventConsumer(ctx context.Context, watch watchbus.WatchBus) (*dispatch.Consumer, error) {
	opts := []dispatch.Option{dispatch.WithLogger(a.logger)}
	if a.cfg.DedupTTL > 0 {
		seen, err := sharedCache[bool](ctx, a, "dispatch")
		if err != nil {
			return nil, err
		}
		opts = append(opts, dispatch.WithDedup(cache.NewResilient[bool](seen, a.logger), a.cfg.DedupTTL))
	}
	events := dispatch.NewBus(opts...)
	watchbus.NewForwarder(watch, watchbus.WithLogger(a.logger)).Register(events)

	reg := dispatch.NewRegistry()
	pathlock.RegisterEvents(reg)
	return dispatch.NewConsumer(events, reg, opts...), nil
}

// producer returns the queue producer of the configured transport. Kafka
// publishes go through a circuit breaker so an unreachable cluster fails
// fast.
func (a *app) producer() (queue.Producer, error) {
	switch a.cfg.Transport {
	case "kafka":
		p, err := queue.NewKafkaProducer(a.cfg.KafkaBrokers, queue.NewKafkaConfig(kafkaClientID), queue.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		cb := queue.NewCircuitBreaker(p, breakerThreshold, breakerTimeout)
		a.onClose(cb.Close)
		return cb, nil
	case "nats":
		nc, err := a.natsConn()
		if err != nil {
			return nil, err
		}
		p := queue.NewNATSProducer(nc)
		a.onClose(p.Close)
		return p, nil
	}
	return a.memoryQueue(), nil
}

// dispatcher delivers to events and enqueues on the configured transport,
// honouring --serialize-all.
func (a *app) dispatcher(events *dispatch.Bus) (*dispatch.Dispatcher, error) {
	producer, err := a.producer()
	if err != nil {
		return nil, err
	}
	return dispatch.NewDispatcher(events, producer,
		dispatch.WithLogger(a.logger),
		dispatch.WithTopics(a.cfg.HighTopic, a.cfg.LowTopic),
		dispatch.WithSerializeAll(a.cfg.SerializeAll),
	), nil
}

func (a *app) consumer() (queue.Consumer, error) {
	switch a.cfg.Transport {
	case "kafka":
		c, err := queue.NewKafkaConsumer(a.cfg.KafkaBrokers, a.cfg.GroupID, a.cfg.Topics, queue.NewKafkaConfig(kafkaClientID), queue.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		a.onClose(c.Close)
		return c, nil
	case "nats":
		nc, err := a.natsConn()
		if err != nil {
			return nil, err
		}
		return queue.NewNATSConsumer(nc, a.cfg.GroupID, a.cfg.Topics, queue.WithLogger(a.logger)), nil
	}
	return a.memoryQueue().Consumer(a.cfg.Topics...), nil
}

// memoryQueue only connects producers and consumers of one process.
func (a *app) memoryQueue() *queue.InMemory {
	if a.mem == nil {
		a.mem = queue.NewInMemory(queue.WithLogger(a.logger))
		a.onClose(a.mem.Close)
	}
	return a.mem
}
