package database

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS users (
    telegram_id INTEGER PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    tariff_type TEXT NOT NULL DEFAULT 'base',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_check TIMESTAMP,
    free_mode_enabled BOOLEAN NOT NULL DEFAULT 0,
    free_mode_until TIMESTAMP
)`, `
CREATE TABLE IF NOT EXISTS transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    telegram_id INTEGER NOT NULL,
    amount INTEGER NOT NULL,
    type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (telegram_id) REFERENCES users(telegram_id)
)`, `
CREATE INDEX IF NOT EXISTS idx_transactions_telegram_id ON transactions (telegram_id, created_at)`,
}

var mysqlSchema = []string{`
CREATE TABLE IF NOT EXISTS users (
    telegram_id BIGINT PRIMARY KEY,
    username VARCHAR(64) NOT NULL UNIQUE,
    tariff_type VARCHAR(16) NOT NULL DEFAULT 'base',
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    last_check DATETIME(6) NULL,
    free_mode_enabled TINYINT(1) NOT NULL DEFAULT 0,
    free_mode_until DATETIME(6) NULL
)`, `
CREATE TABLE IF NOT EXISTS transactions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    telegram_id BIGINT NOT NULL,
    amount BIGINT NOT NULL,
    type VARCHAR(32) NOT NULL,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    KEY idx_transactions_telegram_id (telegram_id, created_at),
    FOREIGN KEY (telegram_id) REFERENCES users(telegram_id)
)`,
}

func schemaFor(driver string) []string {
	if driver == "mysql" {
		return mysqlSchema
	}
	return sqliteSchema
}
