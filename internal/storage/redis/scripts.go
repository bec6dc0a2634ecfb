package redis

const (
	// appendEventScript assigns the next event ID and writes the event with
	// both of its indexes in one step.
	appendEventScript = `
local seq_key = KEYS[1]      -- {prefix}:events:seq
local by_ts_key = KEYS[2]    -- {prefix}:events:by_ts
local by_id_key = KEYS[3]    -- {prefix}:events:by_id

local prefix = ARGV[1]
local ts = ARGV[2]
local event_type = ARGV[3]
local data = ARGV[4]

local id = redis.call('INCR', seq_key)

-- Zero padded members keep same-timestamp events in ID order
local digits = tostring(id)
local member = string.rep('0', 20 - string.len(digits)) .. digits

redis.call('HSET', prefix .. ':event:' .. digits,
  'id', digits,
  'ts', ts,
  'type', event_type,
  'data', data
)
redis.call('ZADD', by_ts_key, ts, member)
redis.call('ZADD', by_id_key, id, member)

return id
`

	// deleteBeforeScript removes every event older than the cutoff and its
	// index entries.
	deleteBeforeScript = `
local by_ts_key = KEYS[1]    -- {prefix}:events:by_ts
local by_id_key = KEYS[2]    -- {prefix}:events:by_id

local prefix = ARGV[1]
local cutoff = ARGV[2]

local members = redis.call('ZRANGEBYSCORE', by_ts_key, '-inf', '(' .. cutoff)
for _, member in ipairs(members) do
  local digits = tostring(tonumber(member))
  redis.call('DEL', prefix .. ':event:' .. digits)
  redis.call('ZREM', by_ts_key, member)
  redis.call('ZREM', by_id_key, member)
end

return #members
`
)
