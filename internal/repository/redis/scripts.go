package redis

import goredis "github.com/redis/go-redis/v9"

// All scripts compare the record id before mutating, so a caller holding a
// superseded record can never affect the current one.

// KEYS[1] record, ARGV[1] id. Returns the new count, or -1 if id is not current.
var incrementAttemptsScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') ~= ARGV[1] then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

// KEYS[1] record, KEYS[2] expiry index, ARGV[1] id, ARGV[2] max attempts.
// Returns 1 when this call deleted the record, 0 when id is not current,
// -2 when the attempt budget is already spent.
var consumeScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') ~= ARGV[1] then
	return 0
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
if attempts >= tonumber(ARGV[2]) then
	return -2
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], KEYS[1])
return 1
`)

// KEYS[1] record, KEYS[2] expiry index, ARGV[1] id.
var deleteIfCurrentScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], KEYS[1])
return 1
`)

// KEYS[1] state record, KEYS[2] expiry index, ARGV[1] expires_at ms,
// ARGV[2] key ttl ms, ARGV[3..] field/value pairs. Returns 0 when the state
// already exists.
var insertStateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local fields = {}
for i = 3, #ARGV do
	fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', KEYS[1], unpack(fields))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[1], KEYS[1])
return 1
`)

// KEYS[1] expiry index, ARGV[1] now ms, ARGV[2] batch size.
// Deletes members scored strictly before now and returns how many records
// were actually removed. A member whose record was re-issued with a later
// expiry is only unindexed.
var sweepScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local removed = 0
for _, key in ipairs(members) do
	local exp = redis.call('HGET', key, 'expires_at')
	if exp and tonumber(exp) < now then
		removed = removed + redis.call('DEL', key)
	end
	redis.call('ZREM', KEYS[1], key)
end
return {removed, #members}
`)
