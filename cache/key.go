package cache

import (
	"strconv"
	"strings"
)

// Key 逻辑缓存键。Owner 为用户 ID，Session 为会话 ID，按类别的 Scope 决定
// 是否必填；global 类别忽略二者。
type Key struct {
	Class   string
	Name    string
	Owner   string
	Session string
}

func (k Key) String() string {
	return k.Class + "/" + k.Name
}

// storageKey 物理键：
//
//	global:  <prefix><class>:g:<name>
//	user:    <prefix><class>:u:<owner>:<name>
//	session: <prefix><class>:s:<owner>:<session>:<name>
//
// 归属身份是物理键的一部分，不同身份无法拼出同一个键。
func storageKey(prefix string, k Key, scope Scope) (string, error) {
	if k.Name == "" {
		return "", ErrKeyEmpty
	}
	switch scope {
	case ScopeGlobal:
		return prefix + k.Class + ":g:" + k.Name, nil
	case ScopeUser:
		if k.Owner == "" {
			return "", ErrScopeRequired
		}
		return prefix + k.Class + ":u:" + k.Owner + ":" + k.Name, nil
	default:
		if k.Owner == "" || k.Session == "" {
			return "", ErrScopeRequired
		}
		return prefix + k.Class + ":s:" + k.Owner + ":" + k.Session + ":" + k.Name, nil
	}
}

// scopePattern 某类别下某身份的物理键前缀，用于模式失效
func scopePattern(prefix, class, owner string, scope Scope) (string, error) {
	switch scope {
	case ScopeGlobal:
		return prefix + class + ":g:", nil
	case ScopeUser:
		if owner == "" {
			return "", ErrScopeRequired
		}
		return prefix + class + ":u:" + owner + ":", nil
	default:
		if owner == "" {
			return "", ErrScopeRequired
		}
		return prefix + class + ":s:" + owner + ":", nil
	}
}

// NormalizeQuery 搜索词归一化：去首尾空白、小写、空白折叠为 "_"
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), "_")
}

// MetadataKey 内容元数据键，如 anime:42
func MetadataKey(kind, id string) Key {
	return Key{Class: ClassMetadata, Name: kind + ":" + id}
}

// EpisodeKey 剧集元数据键，如 episode:42:3
func EpisodeKey(id string, number int) Key {
	return Key{Class: ClassMetadata, Name: "episode:" + id + ":" + strconv.Itoa(number)}
}

// SearchKey 搜索结果键，等价查询命中同一条目
func SearchKey(query string) Key {
	return Key{Class: ClassSearch, Name: NormalizeQuery(query)}
}

// StreamURLKey 播放地址键。类别配置为 user 作用域时 session 不参与物理键，
// 同一用户的其他会话可以复用；配置为 session 时仅限本会话。
func StreamURLKey(owner, session, contentID string) Key {
	return Key{Class: ClassStreamURL, Name: contentID, Owner: owner, Session: session}
}
