package entity

import "time"

// Document 持久化的文档；Content 是 DocumentContent 的 JSON
type Document struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerID   string    `gorm:"type:varchar(64);index" json:"ownerId"`
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	Content   string    `gorm:"type:longtext" json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Permission string

const (
	PermissionView    Permission = "view"
	PermissionComment Permission = "comment"
	PermissionEdit    Permission = "edit"
	PermissionAdmin   Permission = "admin"
)

func (p Permission) Valid() bool {
	switch p {
	case PermissionView, PermissionComment, PermissionEdit, PermissionAdmin:
		return true
	}
	return false
}

// CanEdit edit 和 admin 可以编辑/创建版本
func (p Permission) CanEdit() bool {
	return p == PermissionEdit || p == PermissionAdmin
}

type DocumentShare struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID string     `gorm:"type:varchar(64);uniqueIndex:idx_share_doc_user" json:"documentId"`
	UserID     string     `gorm:"type:varchar(64);uniqueIndex:idx_share_doc_user" json:"userId"`
	Permission Permission `gorm:"type:varchar(16)" json:"permission"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// DocumentVersion 只追加，创建后不再修改
type DocumentVersion struct {
	ID            string    `gorm:"primaryKey;type:varchar(26)" json:"id"` // ULID
	DocumentID    string    `gorm:"type:varchar(64);uniqueIndex:idx_version_doc_number" json:"documentId"`
	VersionNumber uint64    `gorm:"uniqueIndex:idx_version_doc_number" json:"versionNumber"`
	Content       string    `gorm:"type:longtext" json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
	CreatedBy     string    `gorm:"type:varchar(64)" json:"createdBy"`
}

// DocumentState CRDT 因果历史快照（按 clock 追加）
type DocumentState struct {
	DocumentID string    `gorm:"primaryKey;type:varchar(64)" json:"documentId"`
	Clock      uint64    `gorm:"primaryKey" json:"clock"`
	State      []byte    `gorm:"type:longblob" json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}
