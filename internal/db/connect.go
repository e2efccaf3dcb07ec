package db

import (
	"fmt"
	"strconv"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/zulandar/customgpt/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN from the store settings. An explicit dsn wins.
func DSN(cfg config.StoreConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	return mysqlConfig(cfg.MySQL, cfg.MySQL.Database).FormatDSN()
}

func mysqlConfig(c config.MySQLConfig, database string) *gomysql.Config {
	mc := gomysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = c.Host + ":" + strconv.Itoa(c.Port)
	mc.DBName = database
	mc.ParseTime = true
	return mc
}

// Connect opens a GORM connection for the configured SQL driver.
func Connect(cfg config.StoreConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.SQLitePath)
	case config.DriverMySQL:
		dialector = mysql.Open(DSN(cfg))
	default:
		return nil, fmt.Errorf("db: driver %q is not a SQL driver", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", cfg.Driver, err)
	}
	if cfg.Driver == config.DriverSQLite {
		// SQLite allows one writer; a single connection also keeps
		// :memory: databases from splitting across the pool.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: connect (sqlite): %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// ConnectAdmin opens a GORM connection to the MySQL server without selecting
// a specific database, used for CREATE DATABASE operations.
func ConnectAdmin(c config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(mysqlConfig(c, "").FormatDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", c.Host, c.Port, err)
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}
