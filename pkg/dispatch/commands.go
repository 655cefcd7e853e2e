package dispatch

// Commands that address exactly one key, in argument position 1. They are forwarded as-is and the
// backend routes them by that key.
var simpleCommands = []string{
	"append", "bitcount", "bitfield", "bitpos", "decr", "decrby", "dump", "expire", "expireat",
	"geoadd", "geodist", "geohash", "geopos", "georadius_ro", "georadiusbymember_ro", "get",
	"getbit", "getdel", "getex", "getrange", "getset", "hdel", "hexists", "hget", "hgetall",
	"hincrby", "hincrbyfloat", "hkeys", "hlen", "hmget", "hmset", "hscan", "hset", "hsetnx",
	"hstrlen", "hvals", "incr", "incrby", "incrbyfloat", "lindex", "linsert", "llen", "lpop",
	"lpush", "lpushx", "lrange", "lrem", "lset", "ltrim", "persist", "pexpire", "pexpireat",
	"pfadd", "pfcount", "psetex", "pttl", "restore", "rpop", "rpush", "rpushx", "sadd", "scard",
	"set", "setbit", "setex", "setnx", "setrange", "sismember", "smembers", "spop",
	"srandmember", "srem", "sscan", "strlen", "ttl", "type", "zadd", "zcard", "zcount",
	"zincrby", "zlexcount", "zpopmax", "zpopmin", "zrange", "zrangebylex", "zrangebyscore",
	"zrank", "zrem", "zremrangebylex", "zremrangebyrank", "zremrangebyscore", "zrevrange",
	"zrevrangebylex", "zrevrangebyscore", "zrevrank", "zscan", "zscore",
}

// Scripts are routed by their first key, so they must name at least one.
var evalCommands = []string{"eval", "evalsha"}

// Multi-key commands whose integer replies are summed across keys.
var sumResultCommands = []string{"del", "exists", "touch", "unlink"}

// Commands whose successful reply is a status (+OK style) rather than a bulk string.
var statusReplyCommands = map[string]bool{
	"hmset":   true,
	"lset":    true,
	"ltrim":   true,
	"psetex":  true,
	"restore": true,
	"set":     true,
	"setex":   true,
	"type":    true,
}
