package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"nexus-settlement/internal/pkg/redis"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

// 所有 key 共用 {ledger} hash tag，集群模式下脚本落在同一个 slot。
const DefaultKeyPrefix = "settlement:{ledger}"

const (
	scriptTryBegin = "ledger_try_begin"
	scriptCommit   = "ledger_commit"
	scriptFail     = "ledger_fail"
	scriptSweep    = "ledger_sweep"
)

// KEYS[1]=记录 hash, KEYS[2]=进行中索引 zset
// ARGV[1]=transactionId, ARGV[2]=payload, ARGV[3]=当前毫秒时间戳
// 返回码 1 准入, 2 已完成(附 orderId), 3 处理中
const tryBeginLua = `
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'finalized' then
  return {2, redis.call('HGET', KEYS[1], 'order_id') or ''}
end
if state == 'in_progress' then
  return {3, ''}
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0') + 1
redis.call('HSET', KEYS[1],
  'state', 'in_progress', 'payload', ARGV[2], 'attempts', attempts,
  'started_at', ARGV[3], 'updated_at', ARGV[3], 'swept', '0', 'reason', '', 'order_id', '')
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return {1, ''}
`

// ARGV[1]=transactionId, ARGV[2]=orderId, ARGV[3]=当前毫秒时间戳, ARGV[4]=完成后保留秒数(0 为永久)
// 返回 1 成功, -1 记录不存在, -2 状态冲突
const commitLua = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state == 'finalized' then
  if redis.call('HGET', KEYS[1], 'order_id') == ARGV[2] then
    return 1
  end
  return -2
end
if state ~= 'in_progress' then
  return -2
end
redis.call('HSET', KEYS[1], 'state', 'finalized', 'order_id', ARGV[2], 'updated_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
if tonumber(ARGV[4]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[4])
end
return 1
`

// ARGV[1]=transactionId, ARGV[2]=reason, ARGV[3]=当前毫秒时间戳
const failLua = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'in_progress' then
  return -2
end
redis.call('HSET', KEYS[1], 'state', 'failed_retryable', 'reason', ARGV[2], 'updated_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

// ARGV[1]=transactionId, ARGV[2]=当前毫秒时间戳, ARGV[3]=截止毫秒时间戳, ARGV[4]=reason
// 返回 0 跳过, 1 重新准入一次, 2 已用完恢复重试
const sweepLua = `
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'in_progress' then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 0
end
if tonumber(redis.call('HGET', KEYS[1], 'updated_at')) >= tonumber(ARGV[3]) then
  return 0
end
if redis.call('HGET', KEYS[1], 'swept') == '1' then
  redis.call('HSET', KEYS[1], 'state', 'failed_retryable', 'reason', ARGV[4], 'updated_at', ARGV[2])
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 2
end
redis.call('HSET', KEYS[1], 'swept', '1', 'updated_at', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`

// RedisLedger 每个状态迁移都是一个 Lua 脚本，在 Redis 内原子执行。
type RedisLedger struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	opts      options
}

// NewRedisLedger retention 为已完成记录的保留时长，0 表示永久保留。
func NewRedisLedger(client *redis.Client, prefix string, retention time.Duration, opts ...Option) (*RedisLedger, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	scripts := map[string]string{
		scriptTryBegin: tryBeginLua,
		scriptCommit:   commitLua,
		scriptFail:     failLua,
		scriptSweep:    sweepLua,
	}
	for name, content := range scripts {
		if err := client.LoadScriptFromContent(name, content); err != nil {
			return nil, err
		}
	}
	return &RedisLedger{client: client, prefix: prefix, retention: retention, opts: buildOptions(opts)}, nil
}

func (l *RedisLedger) recordKey(transactionID string) string {
	return l.prefix + ":tx:" + transactionID
}

func (l *RedisLedger) inflightKey() string {
	return l.prefix + ":inflight"
}

func (l *RedisLedger) keys(transactionID string) []string {
	return []string{l.recordKey(transactionID), l.inflightKey()}
}

func (l *RedisLedger) nowMillis() int64 {
	return l.opts.clock().UnixMilli()
}

func (l *RedisLedger) TryBegin(ctx context.Context, transactionID string, payload []byte) (port.BeginResult, error) {
	res, err := l.client.RunScript(ctx, scriptTryBegin, l.keys(transactionID), transactionID, string(payload), l.nowMillis())
	if err != nil {
		return port.BeginResult{}, err
	}
	code, orderID, err := parsePair(res)
	if err != nil {
		return port.BeginResult{}, errors.Wrapf(err, "ledger try-begin %s", transactionID)
	}
	switch code {
	case 1:
		return port.BeginResult{Outcome: port.Admitted}, nil
	case 2:
		return port.BeginResult{Outcome: port.AlreadyFinalized, OrderID: orderID}, nil
	case 3:
		return port.BeginResult{Outcome: port.AlreadyInProgress}, nil
	}
	return port.BeginResult{}, errors.Errorf("ledger try-begin %s: unexpected result %d", transactionID, code)
}

func (l *RedisLedger) Commit(ctx context.Context, transactionID, orderID string) error {
	res, err := l.client.RunScript(ctx, scriptCommit, l.keys(transactionID),
		transactionID, orderID, l.nowMillis(), int64(l.retention/time.Second))
	if err != nil {
		return err
	}
	return statusError(res)
}

func (l *RedisLedger) Fail(ctx context.Context, transactionID, reason string) error {
	res, err := l.client.RunScript(ctx, scriptFail, l.keys(transactionID), transactionID, reason, l.nowMillis())
	if err != nil {
		return err
	}
	return statusError(res)
}

// ReconcileStale 先按分数取候选，再逐条用脚本复核并迁移。
func (l *RedisLedger) ReconcileStale(ctx context.Context, maxAge time.Duration) ([]port.StaleRecord, error) {
	now := l.opts.clock()
	cutoff := now.Add(-maxAge).UnixMilli()

	ids, err := l.client.GetClient().ZRangeByScore(ctx, l.inflightKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(cutoff, 10),
		Count: int64(l.opts.batchSize),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "ledger stale scan")
	}

	out := make([]port.StaleRecord, 0, len(ids))
	for _, id := range ids {
		res, err := l.client.RunScript(ctx, scriptSweep, l.keys(id), id, now.UnixMilli(), cutoff, reasonStale)
		if err != nil {
			return out, err
		}
		code, ok := res.(int64)
		if !ok || code == 0 {
			continue
		}
		rec, err := l.Get(ctx, id)
		if err != nil {
			return out, err
		}
		action := port.StaleReadmitted
		if code == 2 {
			action = port.StaleExhausted
		}
		out = append(out, port.StaleRecord{Record: *rec, Action: action})
	}
	return out, nil
}

func (l *RedisLedger) Get(ctx context.Context, transactionID string) (*domain.IdempotencyRecord, error) {
	fields, err := l.client.GetClient().HGetAll(ctx, l.recordKey(transactionID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "ledger get %s", transactionID)
	}
	if len(fields) == 0 {
		return nil, domain.ErrLedgerRecordMissing
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	return &domain.IdempotencyRecord{
		TransactionID: transactionID,
		State:         domain.LedgerState(fields["state"]),
		OrderID:       fields["order_id"],
		Reason:        fields["reason"],
		Payload:       []byte(fields["payload"]),
		Attempts:      attempts,
		Swept:         fields["swept"] == "1",
		StartedAt:     millisToTime(fields["started_at"]),
		UpdatedAt:     millisToTime(fields["updated_at"]),
	}, nil
}

func parsePair(res interface{}) (int64, string, error) {
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, "", errors.Errorf("unexpected script reply %v", res)
	}
	code, ok := pair[0].(int64)
	if !ok {
		return 0, "", errors.Errorf("unexpected script code %v", pair[0])
	}
	s, _ := pair[1].(string)
	return code, s, nil
}

func statusError(res interface{}) error {
	code, ok := res.(int64)
	if !ok {
		return errors.Errorf("unexpected script reply %v", res)
	}
	switch code {
	case 1:
		return nil
	case -1:
		return domain.ErrLedgerRecordMissing
	default:
		return domain.ErrLedgerConflict
	}
}

func millisToTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
