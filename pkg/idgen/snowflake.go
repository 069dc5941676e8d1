package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 流水号要求全局唯一、趋势递增，节点号区分多实例部署（0-1023）
//
// ============================================================================

var (
	node *snowflake.Node
	mu   sync.Mutex
)

// Init 初始化默认节点，重复调用时以最后一次为准
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("初始化雪花节点失败: %w", err)
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

func defaultNode() *snowflake.Node {
	mu.Lock()
	defer mu.Unlock()
	if node == nil {
		// 默认使用节点 1
		node, _ = snowflake.NewNode(1)
	}
	return node
}

// NextID 生成下一个ID
func NextID() int64 {
	return defaultNode().Generate().Int64()
}

func businessNo(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("%s%s%010d", prefix, timestamp, id%10000000000)
}

// GenerateTransactionNo 生成积分流水号，例如 PTX202401151430520123456789
func GenerateTransactionNo() string {
	return businessNo("PTX")
}

// GenerateQuoteID 生成投放报价号
func GenerateQuoteID() string {
	return businessNo("QUO")
}
