package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/sumanth-74/law-duel/config"
)

var (
	// DB 全局数据库连接实例
	DB *sql.DB
)

// InitPostgres 初始化PostgreSQL连接
func InitPostgres(cfg *config.DatabaseConfig) error {
	var err error

	DB, err = sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return eris.Wrap(err, "连接数据库失败")
	}

	if cfg.MaxOpenConns > 0 {
		DB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		DB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	DB.SetConnMaxLifetime(30 * time.Minute)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = DB.PingContext(ctx); err != nil {
		return eris.Wrap(err, "数据库Ping失败")
	}

	log.Info().Str("host", cfg.Host).Str("db", cfg.DBName).Msg("成功连接到PostgreSQL数据库")
	return nil
}

// Close 关闭数据库连接
func Close() {
	if DB != nil {
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("关闭数据库连接时发生错误")
			return
		}
		log.Info().Msg("数据库连接已关闭")
	}
}
