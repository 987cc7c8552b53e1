package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"collabEngine/backend/internal/entity"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// collabTables 元数据 + CRDT 快照，启动时建表
var collabTables = []interface{}{
	&entity.Document{},
	&entity.DocumentShare{},
	&entity.DocumentVersion{},
	&entity.DocumentState{},
}

// MySQLOptions 零值表示用默认值
type MySQLOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// 超过这个耗时的 SQL 打 warn；快照写入比较大，默认放宽到 500ms
	SlowThreshold time.Duration
}

func (o MySQLOptions) withDefaults() MySQLOptions {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 50
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 10
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = time.Hour
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = 500 * time.Millisecond
	}
	return o
}

// InitMySQL 打开连接池并迁移协作引擎用到的表；SnapshotStore 复用同一个 *sql.DB
func InitMySQL(dsn string, opts MySQLOptions) (*gorm.DB, error) {
	opts = opts.withDefaults()
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.New(log.New(os.Stderr, "[gorm] ", log.LstdFlags), logger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("mysql pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.AutoMigrate(collabTables...); err != nil {
		return nil, fmt.Errorf("migrate collab tables: %w", err)
	}
	return db, nil
}
