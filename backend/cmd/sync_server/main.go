package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/httpapi/middleware"
	"syncServer/backend/internal/room"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	Presence struct {
		TimeoutSeconds int `mapstructure:"timeoutSeconds"`
		SweepSeconds   int `mapstructure:"sweepSeconds"`
	} `mapstructure:"Presence"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetDefault("Presence.timeoutSeconds", 120)
	v.SetDefault("Presence.sweepSeconds", 30)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	// gorm 负责建表/迁移，读写路径走 database/sql
	if _, err = store.InitMySQL(cfg.Mysql.DSN); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := collab.NewSemaphoreControl()
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	presenceTTL := time.Duration(cfg.Presence.TimeoutSeconds) * time.Second
	mirror := cache.NewRedisPresence(rdb)
	snapshots := store.NewSnapshotStore(db)

	registry := room.NewRegistry(room.RegistryOptions{
		Mirror:      mirror,
		Events:      dispatcher,
		Snapshots:   snapshots,
		PresenceTTL: presenceTTL,
	})
	manager := ws.NewManager(registry)

	// presence 清理由外部调度：tracker 自己不起定时器
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Presence.SweepSeconds) * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			registry.Tracker().SweepInactive(presenceTTL)
		}
	}()

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	sync := r.Group("/sync")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，调用 auth 服务 verify，写入 userId/username
	sync.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	sync.GET("/ws", manager.WebSocketConnect)
	sync.GET("/presence", func(c *gin.Context) {
		docID := c.Query("docId")
		if docID == "" {
			c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": "missing docId"})
			return
		}
		c.JSON(200, gin.H{"docId": docID, "presence": registry.Tracker().Snapshot(docID)})
	})
	sync.POST("/checkpoint", func(c *gin.Context) {
		docID := c.Query("docId")
		if docID == "" {
			c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": "missing docId"})
			return
		}
		if err := registry.Checkpoint(c.Request.Context(), docID); err != nil {
			c.JSON(409, gin.H{"code": err.Error()})
			return
		}
		c.JSON(200, gin.H{"message": "ok"})
	})
	sync.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
