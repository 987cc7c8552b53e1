package cache

import "fmt"

// 键语义：
// - roomKey(docID):             文档在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - presenceKey(docID, userID): 用户 presence 的 JSON（String，带 TTL）
// - queueKey(replicaID):        本副本未送达的操作队列（List<QueuedOperation JSON>）
// - shareKey(docID, userID):    分享权限读缓存（String，permission 或空值标记）

const (
	keyRoomFmt     = "collab:presence:room:{docID:%s}"
	keyPresenceFmt = "collab:presence:user:{docID:%s}:%s"
	keyQueueFmt    = "collab:queue:{replica:%s}"
	keyShareFmt    = "collab:share:{docID:%s}:%s"
	roomScanMatch  = "collab:presence:room:*"
	roomKeyPrefix  = "collab:presence:room:"
)

func roomKey(docID string) string             { return fmt.Sprintf(keyRoomFmt, docID) }
func presenceKey(docID, userID string) string { return fmt.Sprintf(keyPresenceFmt, docID, userID) }
func queueKey(replicaID string) string        { return fmt.Sprintf(keyQueueFmt, replicaID) }
func shareKey(docID, userID string) string    { return fmt.Sprintf(keyShareFmt, docID, userID) }
