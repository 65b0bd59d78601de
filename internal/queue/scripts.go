package queue

import "github.com/redis/go-redis/v9"

// Atomic state transitions run as Lua so that no observer can see a job in
// two places at once. Time always arrives as ARGV from Go; scripts never
// read the server clock.

// claimScript promotes due delayed jobs into waiting, then pops the best
// waiting job and leases it.
//
// KEYS: 1=waiting zset, 2=delayed zset, 3=active set
// ARGV: 1=now ms, 2=job key prefix, 3=lease key prefix, 4=worker id,
//
//	5=lease ttl ms, 6=max promotions per call
//
// Returns: {claimed id or '', promoted ids...}
var claimScript = redis.NewScript(`
local reply = {''}
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[6]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local jk = ARGV[2] .. id
  local pri = tonumber(redis.call('HGET', jk, 'priority') or '5')
  local seq = tonumber(redis.call('HGET', jk, 'seq') or '0')
  redis.call('HSET', jk, 'state', 'waiting')
  redis.call('ZADD', KEYS[1], pri * 1099511627776 + seq, id)
  table.insert(reply, id)
end
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return reply
end
local id = popped[1]
local jk = ARGV[2] .. id
local ok = redis.call('SET', ARGV[3] .. id, ARGV[4], 'PX', tonumber(ARGV[5]), 'NX')
if not ok then
  redis.call('ZADD', KEYS[1], popped[2], id)
  return reply
end
redis.call('SADD', KEYS[3], id)
redis.call('HSET', jk, 'state', 'active', 'started_at', ARGV[1])
redis.call('HINCRBY', jk, 'attempts', 1)
reply[1] = id
return reply
`)

// heartbeatScript renews a lease only while this worker still holds it.
//
// KEYS: 1=lease key; ARGV: 1=worker id, 2=ttl ms
var heartbeatScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return 0
`)

// completeScript finalises an active job as completed and applies retention.
//
// KEYS: 1=active set, 2=completed list
// ARGV: 1=job id, 2=job key prefix, 3=lease key prefix, 4=now ms,
//
//	5=retention, 6=result json ('' = none)
var completeScript = redis.NewScript(`
local id = ARGV[1]
local jk = ARGV[2] .. id
if redis.call('HGET', jk, 'state') ~= 'active' then
  return 0
end
redis.call('DEL', ARGV[3] .. id)
redis.call('SREM', KEYS[1], id)
redis.call('HSET', jk, 'state', 'completed', 'finished_at', ARGV[4], 'progress', '100')
if ARGV[6] ~= '' then
  redis.call('HSET', jk, 'result', ARGV[6])
end
redis.call('LPUSH', KEYS[2], id)
while redis.call('LLEN', KEYS[2]) > tonumber(ARGV[5]) do
  local old = redis.call('RPOP', KEYS[2])
  if not old then break end
  redis.call('DEL', ARGV[2] .. old)
end
return 1
`)

// retryOrFailScript reschedules a failed active job with exponential backoff
// while attempts remain, otherwise fails it terminally. ARGV[7]='1' skips the
// retry branch outright: validation and permanent collaborator failures would
// fail identically on every attempt.
//
// KEYS: 1=active set, 2=delayed zset, 3=failed list
// ARGV: 1=job id, 2=job key prefix, 3=lease key prefix, 4=now ms,
//
//	5=failed retention, 6=error json ('' = none), 7=force terminal flag
//
// Returns: {'delayed', ready ms} or {'failed', ''} or {'noop', ''}
var retryOrFailScript = redis.NewScript(`
local id = ARGV[1]
local jk = ARGV[2] .. id
if redis.call('HGET', jk, 'state') ~= 'active' then
  return {'noop', ''}
end
redis.call('DEL', ARGV[3] .. id)
redis.call('SREM', KEYS[1], id)
if ARGV[6] ~= '' then
  redis.call('HSET', jk, 'error', ARGV[6])
end
local attempts = tonumber(redis.call('HGET', jk, 'attempts') or '0')
local max = tonumber(redis.call('HGET', jk, 'max_attempts') or '3')
if ARGV[7] ~= '1' and attempts < max then
  local base = tonumber(redis.call('HGET', jk, 'backoff_base_ms') or '5000')
  local ready = string.format('%.0f', tonumber(ARGV[4]) + base * 2 ^ (attempts - 1))
  redis.call('HSET', jk, 'state', 'delayed', 'delay_until', ready)
  redis.call('ZADD', KEYS[2], ready, id)
  return {'delayed', ready}
end
redis.call('HSET', jk, 'state', 'failed', 'finished_at', ARGV[4])
redis.call('LPUSH', KEYS[3], id)
while redis.call('LLEN', KEYS[3]) > tonumber(ARGV[5]) do
  local old = redis.call('RPOP', KEYS[3])
  if not old then break end
  redis.call('DEL', ARGV[2] .. old)
end
return {'failed', ''}
`)

// cancelScript removes a pending job outright or flags an active one.
//
// KEYS: 1=waiting zset, 2=delayed zset, 3=cancelled list
// ARGV: 1=job id, 2=job key prefix, 3=now ms, 4=cancelled retention
//
// Returns: {'cancelled', old state} | {'requested', 'active'} |
//
//	{'terminal', state} | {'missing', ''}
var cancelScript = redis.NewScript(`
local id = ARGV[1]
local jk = ARGV[2] .. id
local state = redis.call('HGET', jk, 'state')
if not state then
  return {'missing', ''}
end
if state == 'waiting' or state == 'delayed' then
  if state == 'waiting' then
    redis.call('ZREM', KEYS[1], id)
  else
    redis.call('ZREM', KEYS[2], id)
  end
  redis.call('HSET', jk, 'state', 'cancelled', 'finished_at', ARGV[3])
  redis.call('LPUSH', KEYS[3], id)
  while redis.call('LLEN', KEYS[3]) > tonumber(ARGV[4]) do
    local old = redis.call('RPOP', KEYS[3])
    if not old then break end
    redis.call('DEL', ARGV[2] .. old)
  end
  return {'cancelled', state}
end
if state == 'active' then
  redis.call('HSET', jk, 'cancel_requested', '1')
  return {'requested', 'active'}
end
return {'terminal', state}
`)

// markCancelledScript records that a worker finished cancelling its active job.
//
// KEYS: 1=active set, 2=cancelled list
// ARGV: 1=job id, 2=job key prefix, 3=lease key prefix, 4=now ms, 5=retention
var markCancelledScript = redis.NewScript(`
local id = ARGV[1]
local jk = ARGV[2] .. id
if redis.call('HGET', jk, 'state') ~= 'active' then
  return 0
end
redis.call('DEL', ARGV[3] .. id)
redis.call('SREM', KEYS[1], id)
redis.call('HSET', jk, 'state', 'cancelled', 'finished_at', ARGV[4])
redis.call('LPUSH', KEYS[2], id)
while redis.call('LLEN', KEYS[2]) > tonumber(ARGV[5]) do
  local old = redis.call('RPOP', KEYS[2])
  if not old then break end
  redis.call('DEL', ARGV[2] .. old)
end
return 1
`)

// requeueStalledScript returns leaseless active jobs to the schedule, or
// fails them when attempts are exhausted.
//
// KEYS: 1=active set, 2=delayed zset, 3=failed list
// ARGV: 1=job key prefix, 2=lease key prefix, 3=now ms, 4=failed retention
//
// Returns a flat list: 'delayed:<id>' or 'failed:<id>' per stalled job.
var requeueStalledScript = redis.NewScript(`
local out = {}
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
  if redis.call('EXISTS', ARGV[2] .. id) == 0 then
    local jk = ARGV[1] .. id
    redis.call('SREM', KEYS[1], id)
    local attempts = tonumber(redis.call('HGET', jk, 'attempts') or '0')
    local max = tonumber(redis.call('HGET', jk, 'max_attempts') or '3')
    if attempts < max then
      local base = tonumber(redis.call('HGET', jk, 'backoff_base_ms') or '5000')
      local ready = string.format('%.0f', tonumber(ARGV[3]) + base * 2 ^ (attempts - 1))
      redis.call('HSET', jk, 'state', 'delayed', 'delay_until', ready)
      redis.call('ZADD', KEYS[2], ready, id)
      table.insert(out, 'delayed:' .. id)
    else
      redis.call('HSET', jk, 'state', 'failed', 'finished_at', ARGV[3], 'error', '{"code":"stalled","message":"worker lease expired"}')
      redis.call('LPUSH', KEYS[3], id)
      while redis.call('LLEN', KEYS[3]) > tonumber(ARGV[4]) do
        local old = redis.call('RPOP', KEYS[3])
        if not old then break end
        redis.call('DEL', ARGV[1] .. old)
      end
      table.insert(out, 'failed:' .. id)
    end
  end
end
return out
`)

// progressScript raises progress monotonically and returns the effective value.
//
// KEYS: 1=job key; ARGV: 1=proposed progress
var progressScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
local new = tonumber(ARGV[1])
if new > cur then
  redis.call('HSET', KEYS[1], 'progress', ARGV[1])
  return new
end
return cur
`)
