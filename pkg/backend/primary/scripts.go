package primary

import "github.com/redis/go-redis/v9"

// value layout is "<version>:<nonce>:<owner>"

// deletes KEYS[1] only if it still holds ARGV[1]
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// 1 released, 0 already gone, -1 held by someone else
var releaseOwnedScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return 0
end
local owner = string.match(v, "^%d+:[^:]*:(.*)$")
if owner == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return -1
`)

// 1 extended, 0 gone, -1 held by someone else
var extendOwnedScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return 0
end
local owner = string.match(v, "^%d+:[^:]*:(.*)$")
if owner == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return -1
`)

// pairwise compare-and-delete used to undo a partial batch
var rollbackScript = redis.NewScript(`
if #KEYS ~= #ARGV then
  return redis.error_reply("ROLLBACK_MISMATCH")
end
local deleted = 0
for i = 1, #KEYS do
  if redis.call("GET", KEYS[i]) == ARGV[i] then
    deleted = deleted + redis.call("DEL", KEYS[i])
  end
end
return deleted
`)

// drops a key that can no longer self-expire (no TTL) or whose TTL is spent
var deleteIfLapsedScript = redis.NewScript(`
local ttl = redis.call("PTTL", KEYS[1])
if ttl == -1 or ttl == 0 then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
