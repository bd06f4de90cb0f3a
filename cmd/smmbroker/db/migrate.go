package db

import "database/sql"

func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id BIGINT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			balance NUMERIC NOT NULL DEFAULT 0 CHECK (balance >= 0),
			referred_by BIGINT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			last_bonus_claim TIMESTAMP WITH TIME ZONE
		);
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS deposits (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			amount NUMERIC NOT NULL CHECK (amount > 0),
			status TEXT NOT NULL DEFAULT 'pending', -- pending, approved, rejected
			evidence_ref TEXT NOT NULL DEFAULT '',
			review_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			decided_at TIMESTAMP WITH TIME ZONE
		);
		CREATE INDEX IF NOT EXISTS deposits_account_status_idx ON deposits (account_id, status);
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			service_id BIGINT NOT NULL,
			link TEXT NOT NULL,
			quantity BIGINT NOT NULL,
			charge NUMERIC NOT NULL,
			status TEXT NOT NULL DEFAULT 'Pending',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			polled_at TIMESTAMP WITH TIME ZONE
		);
		ALTER TABLE orders ADD COLUMN IF NOT EXISTS polled_at TIMESTAMP WITH TIME ZONE;
		CREATE INDEX IF NOT EXISTS orders_account_created_idx ON orders (account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS orders_polled_idx ON orders (polled_at NULLS FIRST, id);
	`)
	if err != nil {
		return err
	}
	return nil
}
