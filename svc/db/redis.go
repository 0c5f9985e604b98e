package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"pokebin/cfg"
)

var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedis connects to c.RedisURL and checks the connection with a PING.
func NewRedis(c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		if opt.TLSConfig, err = redisTLS(c); err != nil {
			return nil, errors.Wrap(err, "redis tls")
		}
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	r := &Redis{client: redis.NewClient(opt), timeout: c.RedisTimeout}
	if err := r.Ping(context.Background()); err != nil {
		r.client.Close()
		return nil, err
	}
	return r, nil
}

// redisTLS pins TLS 1.3 and REDIS_HOSTNAME. Roots come from REDIS_TLS_CA_CERT
// when set, otherwise the system pool; outside production REDIS_TLS_DEV_CA is
// added on top.
func redisTLS(c *cfg.Cfg) (*tls.Config, error) {
	if c.RedisHostname == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	var roots *x509.CertPool
	if c.RedisCACert != "" {
		roots = x509.NewCertPool()
		if err := appendPEM(roots, c.RedisCACert); err != nil {
			return nil, err
		}
	} else {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "system cert pool")
		}
		roots = pool
	}
	if c.Environment != "production" && c.RedisDevCA != "" {
		if err := appendPEM(roots, c.RedisDevCA); err != nil {
			return nil, err
		}
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: c.RedisHostname,
		RootCAs:    roots,
	}, nil
}

func appendPEM(pool *x509.CertPool, path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read CA bundle %s", path)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return errors.Errorf("no certificates in %s", path)
	}
	return nil
}

// CacheBlob stores an encoded record. Records never change after insert.
func (r *Redis) CacheBlob(ctx context.Context, id int64, blob []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, blobKey(id), blob, ttl).Err(), "set paste")
}

// GetBlob returns nil, nil on a cache miss.
func (r *Redis) GetBlob(ctx context.Context, id int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, blobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	return data, nil
}

func blobKey(id int64) string {
	return "paste:" + strconv.FormatInt(id, 10)
}

// RateLimit counts one call against key's window and returns the usage. A
// result above limit means the call was rejected and not counted.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

// Ping round-trips a PING within the client timeout.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Ping(ctx).Err(), "redis ping")
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
