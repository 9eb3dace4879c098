package media

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ceyewan/mediacore/retry"
)

// Item 内容元数据
type Item struct {
	ID     string   `json:"id" msgpack:"id"`
	Kind   string   `json:"kind" msgpack:"kind"`
	Title  string   `json:"title" msgpack:"title"`
	Number int      `json:"number,omitempty" msgpack:"number,omitempty"` // 剧集序号
	Tags   []string `json:"tags,omitempty" msgpack:"tags,omitempty"`
}

// Catalog 元数据与搜索存储，由外部系统提供
type Catalog interface {
	Lookup(ctx context.Context, kind, id string) (Item, error)
	Episode(ctx context.Context, animeID string, number int) (Item, error)
	Search(ctx context.Context, query string) ([]Item, error)
}

// MemoryCatalog 内存 Catalog，用于测试与示例
type MemoryCatalog struct {
	mu    sync.RWMutex
	items map[string]Item
}

func NewMemoryCatalog(items ...Item) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[string]Item)}
	for _, it := range items {
		c.Put(it)
	}
	return c
}

// Put 写入或替换条目
func (c *MemoryCatalog) Put(it Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[catalogKey(it.Kind, it.ID, it.Number)] = it
}

func (c *MemoryCatalog) Lookup(_ context.Context, kind, id string) (Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[catalogKey(kind, id, 0)]
	if !ok {
		return Item{}, retry.MarkPermanent(ErrNotFound)
	}
	return it, nil
}

func (c *MemoryCatalog) Episode(_ context.Context, animeID string, number int) (Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[catalogKey("episode", animeID, number)]
	if !ok {
		return Item{}, retry.MarkPermanent(ErrNotFound)
	}
	return it, nil
}

// Search 标题包含查询词（不区分大小写）的非剧集条目，按 ID 排序
func (c *MemoryCatalog) Search(_ context.Context, query string) ([]Item, error) {
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := []Item{}
	for _, it := range c.items {
		if it.Kind != "episode" && strings.Contains(strings.ToLower(it.Title), q) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func catalogKey(kind, id string, number int) string {
	if kind == "episode" {
		return kind + ":" + id + ":" + strconv.Itoa(number)
	}
	return kind + ":" + id
}
