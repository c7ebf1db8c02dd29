package repository

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// ItemQuantities 商品数量累加器（productID -> qty），以 JSONB 存储。
// 数量恒为正，归零即删除。
type ItemQuantities map[string]int

// Add 累加（扫描商品使用）
func (q ItemQuantities) Add(items map[string]int) ItemQuantities {
	out := q.Clone()
	for id, n := range items {
		if id == "" || n == 0 {
			continue
		}
		v := out[id] + n
		if v <= 0 {
			delete(out, id)
			continue
		}
		out[id] = v
	}
	return out
}

// Set 覆盖（缺货商品使用）
func (q ItemQuantities) Set(items map[string]int) ItemQuantities {
	out := q.Clone()
	for id, n := range items {
		if id == "" {
			continue
		}
		if n <= 0 {
			delete(out, id)
			continue
		}
		out[id] = n
	}
	return out
}

// Remove 删除商品
func (q ItemQuantities) Remove(productID string) ItemQuantities {
	out := q.Clone()
	delete(out, productID)
	return out
}

func (q ItemQuantities) Clone() ItemQuantities {
	out := make(ItemQuantities, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

// Keys 按字典序返回商品 ID
func (q ItemQuantities) Keys() []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (q ItemQuantities) Value() (driver.Value, error) {
	if q == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]int(q))
}

func (q *ItemQuantities) Scan(src interface{}) error {
	m := map[string]int{}
	if err := scanJSON(src, &m); err != nil {
		return fmt.Errorf("scan item quantities: %w", err)
	}
	*q = m
	return nil
}

// CompensatedItem 补偿涉及的商品
type CompensatedItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CompensatedItems []CompensatedItem

func (c CompensatedItems) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]CompensatedItem(c))
}

func (c *CompensatedItems) Scan(src interface{}) error {
	var items []CompensatedItem
	if err := scanJSON(src, &items); err != nil {
		return fmt.Errorf("scan compensated items: %w", err)
	}
	*c = items
	return nil
}

// StringList JSONB 字符串数组（错误历史）
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

func (s *StringList) Scan(src interface{}) error {
	var list []string
	if err := scanJSON(src, &list); err != nil {
		return fmt.Errorf("scan string list: %w", err)
	}
	*s = list
	return nil
}

func scanJSON(src interface{}, dst interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
