package store

import (
	"context"
	"errors"
	"fmt"

	"collabEngine/backend/internal/entity"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// GormRepository 文档/分享/版本的 MySQL 实现
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// GetDocument 没找到返回 nil, nil
func (r *GormRepository) GetDocument(ctx context.Context, documentID string) (*entity.Document, error) {
	var doc entity.Document
	err := r.db.WithContext(ctx).Where("id = ?", documentID).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (r *GormRepository) GetDocumentShare(ctx context.Context, documentID, userID string) (*entity.DocumentShare, error) {
	var share entity.DocumentShare
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		First(&share).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &share, nil
}

func (r *GormRepository) GetLatestVersionNumber(ctx context.Context, documentID string) (uint64, error) {
	var latest uint64
	err := r.db.WithContext(ctx).Model(&entity.DocumentVersion{}).
		Where("document_id = ?", documentID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&latest).Error
	return latest, err
}

func (r *GormRepository) CreateDocumentVersion(ctx context.Context, v *entity.DocumentVersion) error {
	err := r.db.WithContext(ctx).Create(v).Error
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: doc=%s version=%d", entity.ErrDuplicateVersion, v.DocumentID, v.VersionNumber)
	}
	return err
}

func (r *GormRepository) ListDocumentVersions(ctx context.Context, documentID string) ([]entity.DocumentVersion, error) {
	var versions []entity.DocumentVersion
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_number ASC").
		Find(&versions).Error
	return versions, err
}

func (r *GormRepository) CreateDocument(ctx context.Context, doc *entity.Document) error {
	err := r.db.WithContext(ctx).Create(doc).Error
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: document %s", entity.ErrDuplicateRecord, doc.ID)
	}
	return err
}

func (r *GormRepository) UpdateDocumentContent(ctx context.Context, documentID, content string) error {
	res := r.db.WithContext(ctx).Model(&entity.Document{}).
		Where("id = ?", documentID).
		Update("content", content)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ShareDocument 同一用户重复分享时更新权限
func (r *GormRepository) ShareDocument(ctx context.Context, share *entity.DocumentShare) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing entity.DocumentShare
		err := tx.Where("document_id = ? AND user_id = ?", share.DocumentID, share.UserID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(share).Error
		}
		if err != nil {
			return err
		}
		share.ID = existing.ID
		return tx.Model(&existing).Update("permission", share.Permission).Error
	})
}
