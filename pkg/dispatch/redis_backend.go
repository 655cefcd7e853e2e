package dispatch

import (
	"context"
	goerrs "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/message/resp"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/proxy"
	"go.uber.org/zap"
)

const (
	DefaultOpTimeout = 2 * time.Second
	DefaultWorkers   = 256
)

type MissingUpstreamAddresses struct{}

func (e *MissingUpstreamAddresses) Error() string {
	return "At least one upstream Redis address is required"
}

// The subset of go-redis clients the backend needs. Both *redis.Client and *redis.Ring satisfy it.
type redisClient interface {
	Do(ctx context.Context, args ...interface{}) *redis.Cmd
	Close() error
}

type RedisBackendParams struct {
	// One address builds a plain client, several build a consistent-hash ring with one shard per
	// address.
	Addresses []string
	Password  string
	DB        int

	OpTimeout time.Duration
	Workers   int

	Logger *zap.Logger
}

// RedisBackend forwards single-key commands to upstream Redis servers. Each command runs on a
// bounded worker pool and is abandoned through its context when the client side cancels it.
type RedisBackend struct {
	client    redisClient
	pool      pond.Pool
	opTimeout time.Duration
	log       *zap.Logger
}

func CreateRedisBackend(params RedisBackendParams) (*RedisBackend, error) {
	if len(params.Addresses) == 0 {
		return nil, &MissingUpstreamAddresses{}
	}

	var client redisClient
	if len(params.Addresses) == 1 {
		client = redis.NewClient(&redis.Options{
			Addr:     params.Addresses[0],
			Password: params.Password,
			DB:       params.DB,
			Protocol: 2,
		})
	} else {
		shards := make(map[string]string, len(params.Addresses))
		for i, addr := range params.Addresses {
			shards[fmt.Sprintf("shard-%d", i)] = addr
		}
		client = redis.NewRing(&redis.RingOptions{
			Addrs:    shards,
			Password: params.Password,
			DB:       params.DB,
			Protocol: 2,
		})
	}

	return newRedisBackend(client, params), nil
}

func newRedisBackend(client redisClient, params RedisBackendParams) *RedisBackend {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	opTimeout := params.OpTimeout
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}

	workers := params.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &RedisBackend{
		client:    client,
		pool:      pond.NewPool(workers),
		opTimeout: opTimeout,
		log:       logger.With(zap.String("handler", "RedisBackend")),
	}
}

type backendRequest struct {
	cancel context.CancelFunc
}

func (r *backendRequest) Cancel() {
	r.cancel()
}

// Execute runs args upstream on the worker pool. Once the backend is closed it completes
// synchronously with an upstream failure and returns nil.
func (b *RedisBackend) Execute(args []string, onComplete func(*resp.Value)) proxy.DispatchHandle {
	if b.pool.Stopped() {
		onComplete(resp.NewError(upstreamFailure))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opTimeout)

	cmdArgs := make([]interface{}, len(args))
	for i, arg := range args {
		cmdArgs[i] = arg
	}

	task := b.pool.Submit(func() {
		defer cancel()
		if goerrs.Is(ctx.Err(), context.Canceled) {
			return
		}

		result, err := b.client.Do(ctx, cmdArgs...).Result()
		if goerrs.Is(err, context.Canceled) {
			return
		}
		if err != nil && !goerrs.Is(err, redis.Nil) && !isRedisError(err) {
			b.log.Warn("Upstream request failed", zap.String("command", args[0]), zap.Error(err))
		}
		onComplete(toRespValue(args, result, err))
	})

	// The pool can stop between the check above and Submit, in which case the task never runs.
	select {
	case <-task.Done():
		if goerrs.Is(task.Wait(), pond.ErrPoolStopped) {
			cancel()
			onComplete(resp.NewError(upstreamFailure))
			return nil
		}
	default:
	}

	return &backendRequest{cancel: cancel}
}

// Close stops accepting work, waits for in-flight commands, then closes upstream connections.
func (b *RedisBackend) Close() error {
	b.pool.StopAndWait()
	return b.client.Close()
}

func isRedisError(err error) bool {
	var redisErr redis.Error
	return goerrs.As(err, &redisErr)
}

func isStatusReply(args []string) bool {
	name := strings.ToLower(args[0])
	if !statusReplyCommands[name] {
		return false
	}
	if name == "set" && len(args) > 3 {
		for _, arg := range args[3:] {
			if strings.EqualFold(arg, "get") {
				return false
			}
		}
	}
	return true
}

func toRespValue(args []string, result interface{}, err error) *resp.Value {
	switch {
	case goerrs.Is(err, redis.Nil):
		return resp.NewNull()
	case isRedisError(err):
		return resp.NewError(err.Error())
	case err != nil:
		return resp.NewError(upstreamFailure)
	}

	if s, ok := result.(string); ok && isStatusReply(args) {
		return resp.NewSimpleString(s)
	}
	return convertResult(result)
}

func convertResult(result interface{}) *resp.Value {
	switch v := result.(type) {
	case nil:
		return resp.NewNull()
	case string:
		return resp.NewBulkString(v)
	case int64:
		return resp.NewInteger(v)
	case bool:
		if v {
			return resp.NewInteger(1)
		}
		return resp.NewInteger(0)
	case float64:
		return resp.NewBulkString(strconv.FormatFloat(v, 'f', -1, 64))
	case []interface{}:
		elements := make([]*resp.Value, len(v))
		for i, element := range v {
			elements[i] = convertResult(element)
		}
		return resp.NewArray(elements...)
	case map[interface{}]interface{}:
		elements := make([]*resp.Value, 0, 2*len(v))
		for key, value := range v {
			elements = append(elements, convertResult(key), convertResult(value))
		}
		return resp.NewArray(elements...)
	case error:
		return resp.NewError(v.Error())
	default:
		return resp.NewBulkString(fmt.Sprint(v))
	}
}
