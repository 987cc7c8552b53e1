package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/config"
	"collabEngine/backend/internal/conflict"
	"collabEngine/backend/internal/httpapi"
	"collabEngine/backend/internal/httpapi/handlers"
	"collabEngine/backend/internal/httpapi/middleware"
	"collabEngine/backend/internal/queue"
	"collabEngine/backend/internal/store"
	"collabEngine/backend/internal/transport"
	"collabEngine/backend/internal/ws"
)

const maintenanceInterval = 5 * time.Second

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load()
	if err != nil {
		glog.Fatalf("init config failed: %v", err)
	}
	replicaID := cfg.Collab.ReplicaID
	if replicaID == "" {
		replicaID = uuid.NewString()
	}
	glog.Infof("replica %s starting, config: %+v", replicaID, cfg.Running)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Redis：presence 镜像、离线队列持久化、跨实例 pub/sub ===
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(ctx).Err(); err != nil {
		glog.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	// === MySQL：gorm 管元数据，CRDT 快照直接走同一个连接池 ===
	gormDB, err := store.InitMySQL(cfg.Mysql.DSN, store.MySQLOptions{
		MaxOpenConns:    cfg.Mysql.MaxOpenConns,
		MaxIdleConns:    cfg.Mysql.MaxIdleConns,
		ConnMaxLifetime: cfg.Mysql.ConnMaxLifetime,
		SlowThreshold:   cfg.Mysql.SlowThreshold,
	})
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		glog.Fatalf("Failed to get sql.DB: %v", err)
	}
	defer sqlDB.Close()
	// 分享权限读缓存，其它方法直达 gorm
	repo := cache.NewCachedRepository(rdb, store.NewGormRepository(gormDB))
	snapshots := store.NewSnapshotStore(sqlDB)

	q := queue.NewOperationQueue(cfg.Collab.QueueSize, cache.NewRedisQueueStore(rdb, replicaID))

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	kafkaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		glog.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()
	// 每个副本都要看到全部操作，所以 group 按副本区分
	group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID+"-"+replicaID, kafkaCfg)
	if err != nil {
		glog.Fatalf("Failed to create kafka consumer group: %v", err)
	}
	defer group.Close()

	sendLimiter := transport.NewSendLimiter(cfg.Collab.SendConcurrency)
	kafkaTransport := transport.NewKafkaTransport(producer, cfg.Kafka.Topic, replicaID, sendLimiter, transport.KafkaOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
		// 重试耗尽的操作放回离线队列，等下一轮补发；同步请求丢了就丢了，重连时会再发
		OnDrop: func(env transport.Envelope) {
			if env.IsSync() {
				glog.Warningf("kafka sync request for doc %s dropped", env.DocumentID)
				return
			}
			if err := q.Enqueue(env.DocumentID, env.Operation); err != nil {
				glog.Errorf("requeue dropped kafka op %s: %v", env.Operation.ID, err)
			}
		},
	})
	defer kafkaTransport.Close()
	redisTransport := transport.NewRedisTransport(rdb, replicaID)

	transports := transport.Multi{kafkaTransport, redisTransport}
	var rtc *transport.WebRTCTransport
	if cfg.WebRTC.Enabled {
		rtc = transport.NewWebRTCTransport(replicaID, cfg.WebRTC.StunServers, nil)
		defer rtc.Close()
		transports = append(transports, rtc)
	}

	svc := collab.NewRealtimeService(repo, transports, q, collab.Options{
		ReplicaID:         replicaID,
		SubscriberBuffer:  cfg.Collab.SubscriberBuffer,
		ConflictWindow:    cfg.Collab.ConflictWindow,
		ConcurrencyWindow: cfg.Collab.ConcurrencyWindow,
		ConflictStrategy:  conflict.Strategy(cfg.Collab.Strategy),
		MaxPending:        cfg.Collab.MaxPending,
	}).
		WithSnapshotStore(snapshots).
		WithPresenceMirror(cache.NewRedisPresence(rdb, cfg.Collab.PresenceTTL))

	// 队列的淘汰回调在 NewRealtimeService 里注册，恢复必须放在它之后
	if n, err := q.Restore(ctx); err != nil {
		glog.Warningf("restore offline queue: %v", err)
	} else if n > 0 {
		glog.Infof("restored %d queued operations", n)
	}

	if rtc != nil {
		rtc.SetHandler(svc.HandleRemote)
	}

	secret := []byte(cfg.Auth.Secret)
	hub := ws.NewHub(cache.NewRedisPresence(rdb, cfg.Collab.PresenceTTL))
	manager := ws.NewManager(hub, svc, transport.NewSendLimiter(cfg.Collab.SendConcurrency))
	opts := httpapi.RouterOptions{
		Auth:         middleware.AuthMiddleware(secret),
		Documents:    handlers.NewDocumentHandler(svc, repo),
		WebSocket:    manager.WebSocketConnect,
		CorsOrigins:  cfg.Cors.AllowOrigins,
		EnableCors:   cfg.Cors.Enabled,
		AccessLogger: true,
	}
	if rtc != nil {
		opts.RTC = handlers.NewRTCHandler(rtc)
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: httpapi.NewRouter(opts),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return kafkaTransport.ConsumeLoop(gctx, group, svc.HandleRemote) })
	g.Go(func() error { return redisTransport.Run(gctx, svc.HandleRemote) })
	g.Go(func() error {
		maintain(gctx, svc, q, rdb, cfg.Collab.PresenceTTL)
		return nil
	})
	if rtc != nil && len(cfg.WebRTC.Peers) > 0 {
		g.Go(func() error {
			dialPeers(gctx, rtc, cfg.WebRTC.Peers, secret, replicaID)
			return nil
		})
	}
	g.Go(func() error {
		glog.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		glog.Errorf("collab server stopped: %v", err)
	}
	if err := q.Persist(context.Background()); err != nil {
		glog.Errorf("persist offline queue: %v", err)
	}
}

// maintain 定时探测 redis 连通性并补发离线队列，顺带清理过期 presence、把队列落到 redis
func maintain(ctx context.Context, svc *collab.RealtimeService, q *queue.OperationQueue, rdb redis.UniversalClient, presenceTTL time.Duration) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// 断开到恢复的切换会触发一次和其它副本的补齐
		err := rdb.Ping(ctx).Err()
		if err != nil && svc.Connected() {
			glog.Warningf("redis unreachable, switching to offline mode: %v", err)
		}
		svc.SetConnected(err == nil)
		if n, err := svc.ProcessQueuedOperations(ctx); err != nil {
			glog.Warningf("redeliver queued operations (sent %d): %v", n, err)
		}
		if pruned := svc.PruneIdlePresences(ctx, presenceTTL); pruned > 0 {
			glog.V(1).Infof("pruned %d idle presences", pruned)
		}
		if err := q.Persist(ctx); err != nil {
			glog.Warningf("persist offline queue: %v", err)
		}
	}
}

// dialPeers 向配置里的每个副本发 offer，拿 answer 完成握手
func dialPeers(ctx context.Context, rtc *transport.WebRTCTransport, peers []string, secret []byte, replicaID string) {
	token, err := middleware.SignAccessToken(secret, "replica:"+replicaID, replicaID, time.Hour)
	if err != nil {
		glog.Errorf("sign replica token: %v", err)
		return
	}
	client := &http.Client{Timeout: 10 * time.Second}
	for _, base := range peers {
		offer, err := rtc.CreateOffer(base)
		if err != nil {
			glog.Warningf("rtc offer to %s: %v", base, err)
			continue
		}
		body, _ := json.Marshal(map[string]any{"peerId": replicaID, "offer": offer})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/collab/rtc/offer", bytes.NewReader(body))
		if err != nil {
			glog.Warningf("rtc signaling request to %s: %v", base, err)
			continue
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			glog.Warningf("rtc signaling to %s: %v", base, err)
			continue
		}
		var out struct {
			Answer *webrtc.SessionDescription `json:"answer"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK || out.Answer == nil {
			glog.Warningf("rtc signaling to %s: status=%d err=%v", base, resp.StatusCode, err)
			_ = rtc.DisconnectPeer(base)
			continue
		}
		if err := rtc.HandleAnswer(base, *out.Answer); err != nil {
			glog.Warningf("rtc answer from %s: %v", base, err)
			continue
		}
		glog.Infof("rtc connected to %s", base)
	}
}
