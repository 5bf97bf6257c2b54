package model

import "time"

// EntryKind 缓存负载类型, 决定 TTL
type EntryKind string

const (
	KindPrice      EntryKind = "price"
	KindStats      EntryKind = "stats"
	KindHistorical EntryKind = "historical"
)

// CachedEntry 持久化包装
type CachedEntry struct {
	Key       string        `msgpack:"key"`
	Payload   []byte        `msgpack:"payload"` // msgpack 编码的负载
	WrittenAt time.Time     `msgpack:"written_at"`
	TTL       time.Duration `msgpack:"ttl"`
	Kind      EntryKind     `msgpack:"kind"`
}

// IsExpired now > WrittenAt + TTL 即视为过期, 即便物理上尚未被清理
func (e CachedEntry) IsExpired(now time.Time) bool {
	return now.After(e.WrittenAt.Add(e.TTL))
}
