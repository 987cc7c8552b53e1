package cache

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"collabEngine/backend/internal/entity"

	"github.com/golang/glog"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	BaseTTL          = 10 * time.Minute // 基础过期时间
	Jitter           = 2 * time.Minute  // 随机抖动范围
	NullTTL          = time.Minute
	EmptyCacheMarker = "-" // 空值标记
)

// Backend 被缓存的仓库
type Backend interface {
	GetDocument(ctx context.Context, documentID string) (*entity.Document, error)
	GetDocumentShare(ctx context.Context, documentID, userID string) (*entity.DocumentShare, error)
	GetLatestVersionNumber(ctx context.Context, documentID string) (uint64, error)
	CreateDocumentVersion(ctx context.Context, v *entity.DocumentVersion) error
	ListDocumentVersions(ctx context.Context, documentID string) ([]entity.DocumentVersion, error)
	CreateDocument(ctx context.Context, doc *entity.Document) error
	UpdateDocumentContent(ctx context.Context, documentID, content string) error
	ShareDocument(ctx context.Context, share *entity.DocumentShare) error
}

// CachedRepository 给分享权限加一层 redis 读缓存（版本创建时的权限检查走这里）。
// 其它方法直接透传。
type CachedRepository struct {
	Backend
	rdb redis.UniversalClient
	sf  singleflight.Group
}

func NewCachedRepository(rdb redis.UniversalClient, backend Backend) *CachedRepository {
	return &CachedRepository{Backend: backend, rdb: rdb}
}

// 获取随机TTL，防止缓存雪崩
func getRandomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int63n(int64(Jitter)))
}

func (r *CachedRepository) readCache(ctx context.Context, key string) (entity.Permission, bool, error) {
	res, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return entity.Permission(res), true, nil
}

// GetDocumentShare Singleflight + 读缓存 + 回源 + 空值缓存（防穿透）
func (r *CachedRepository) GetDocumentShare(ctx context.Context, documentID, userID string) (*entity.DocumentShare, error) {
	key := shareKey(documentID, userID)
	val, err, _ := r.sf.Do(key, func() (interface{}, error) {
		perm, hit, err := r.readCache(ctx, key)
		if err != nil {
			// redis 不可用时直接回源
			glog.Warningf("share cache read %s: %v", key, err)
		}
		if hit {
			return perm, nil
		}

		share, err := r.Backend.GetDocumentShare(ctx, documentID, userID)
		if err != nil {
			return nil, err
		}
		if share == nil {
			if err := r.rdb.Set(ctx, key, EmptyCacheMarker, NullTTL).Err(); err != nil {
				glog.V(1).Infof("share cache write %s: %v", key, err)
			}
			return entity.Permission(EmptyCacheMarker), nil
		}
		if err := r.rdb.Set(ctx, key, string(share.Permission), getRandomTTL()).Err(); err != nil {
			glog.V(1).Infof("share cache write %s: %v", key, err)
		}
		return share.Permission, nil
	})
	if err != nil {
		return nil, err
	}
	perm, ok := val.(entity.Permission)
	if !ok {
		return nil, errors.New("internal type error")
	}
	if perm == EmptyCacheMarker {
		return nil, nil
	}
	return &entity.DocumentShare{DocumentID: documentID, UserID: userID, Permission: perm}, nil
}

// ShareDocument 写库之后删缓存
func (r *CachedRepository) ShareDocument(ctx context.Context, share *entity.DocumentShare) error {
	if err := r.Backend.ShareDocument(ctx, share); err != nil {
		return err
	}
	return r.rdb.Del(ctx, shareKey(share.DocumentID, share.UserID)).Err()
}
