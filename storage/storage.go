// Package storage implements the sqlite-backed purchase ledger and token
// catalogue store.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"swapflow/aggregator"
	"swapflow/purchase"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage path must be configured")

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// MemoryDSN returns an in-memory DSN for tests.
func MemoryDSN() string {
	return "file::memory:?cache=shared"
}

// Storage wraps the persistence layer.
type Storage struct {
	db *sql.DB
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create persists a new purchase keyed by its buy transaction hash.
func (s *Storage) Create(ctx context.Context, p purchase.Purchase) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO purchases(
            tx_hash, token_address, token_symbol, token_name, token_decimals,
            stablecoin_address, stablecoin_symbol, amount_in, amount_out,
            chain_id, wallet_address, purchase_time, auto_sell_time,
            status, sell_tx_hash, worker_id
        ) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, strings.ToLower(p.TxHash), strings.ToLower(p.TokenAddress), p.TokenSymbol, p.TokenName, p.TokenDecimals,
		strings.ToLower(p.StablecoinAddress), p.StablecoinSymbol, p.AmountIn, p.AmountOut,
		p.ChainID, strings.ToLower(p.WalletAddress), p.PurchaseTime.UTC().Unix(), p.AutoSellTime.UTC().Unix(),
		string(p.Status), p.SellTxHash, p.WorkerID)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

const purchaseColumns = `tx_hash, token_address, token_symbol, token_name, token_decimals,
    stablecoin_address, stablecoin_symbol, amount_in, amount_out,
    chain_id, wallet_address, purchase_time, auto_sell_time,
    status, sell_tx_hash, worker_id`

func scanPurchase(row interface{ Scan(...interface{}) error }) (purchase.Purchase, error) {
	var p purchase.Purchase
	var status string
	var purchaseUnix, autoSellUnix int64
	err := row.Scan(&p.TxHash, &p.TokenAddress, &p.TokenSymbol, &p.TokenName, &p.TokenDecimals,
		&p.StablecoinAddress, &p.StablecoinSymbol, &p.AmountIn, &p.AmountOut,
		&p.ChainID, &p.WalletAddress, &purchaseUnix, &autoSellUnix,
		&status, &p.SellTxHash, &p.WorkerID)
	if err != nil {
		return p, err
	}
	p.PurchaseTime = time.Unix(purchaseUnix, 0).UTC()
	p.AutoSellTime = time.Unix(autoSellUnix, 0).UTC()
	p.Status = purchase.Status(status)
	return p, nil
}

// Get loads a purchase by buy transaction hash.
func (s *Storage) Get(ctx context.Context, txHash string) (purchase.Purchase, error) {
	if s == nil {
		return purchase.Purchase{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE tx_hash = ?`,
		strings.ToLower(strings.TrimSpace(txHash)))
	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return purchase.Purchase{}, purchase.ErrNotFound
		}
		return purchase.Purchase{}, fmt.Errorf("query purchase: %w", err)
	}
	return p, nil
}

// UpdateStatus atomically applies a lifecycle transition. The guarded UPDATE
// only matches rows whose current status permits the edge, so a concurrent
// transition can never be overwritten with a stale decision.
func (s *Storage) UpdateStatus(ctx context.Context, txHash string, next purchase.Status) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if !next.Valid() {
		return fmt.Errorf("unknown status %q", next)
	}
	froms := allowedSources(next)
	if len(froms) == 0 {
		return purchase.ErrInvalidTransition
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(froms)), ",")
	args := make([]interface{}, 0, len(froms)+2)
	args = append(args, string(next), strings.ToLower(strings.TrimSpace(txHash)))
	for _, from := range froms {
		args = append(args, string(from))
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = ? WHERE tx_hash = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, txHash); err != nil {
			return err
		}
		return purchase.ErrInvalidTransition
	}
	return nil
}

// allowedSources lists the states from which next is reachable.
func allowedSources(next purchase.Status) []purchase.Status {
	all := []purchase.Status{
		purchase.StatusPending, purchase.StatusHeld, purchase.StatusSelling,
		purchase.StatusRetrying, purchase.StatusSold, purchase.StatusCancelled,
	}
	var froms []purchase.Status
	for _, from := range all {
		if from.CanTransitionTo(next) {
			froms = append(froms, from)
		}
	}
	return froms
}

// UpdateSold atomically marks a SELLING purchase as SOLD and records the
// sell transaction hash.
func (s *Storage) UpdateSold(ctx context.Context, txHash, sellTxHash string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE purchases SET status = ?, sell_tx_hash = ?
        WHERE tx_hash = ? AND status = ?
    `, string(purchase.StatusSold), strings.ToLower(strings.TrimSpace(sellTxHash)),
		strings.ToLower(strings.TrimSpace(txHash)), string(purchase.StatusSelling))
	if err != nil {
		return fmt.Errorf("update sold: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, txHash); err != nil {
			return err
		}
		return purchase.ErrInvalidTransition
	}
	return nil
}

// UpdateWorkerID records the durable job identifier for the purchase.
func (s *Storage) UpdateWorkerID(ctx context.Context, txHash, workerID string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `UPDATE purchases SET worker_id = ? WHERE tx_hash = ?`,
		workerID, strings.ToLower(strings.TrimSpace(txHash)))
	if err != nil {
		return fmt.Errorf("update worker id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return purchase.ErrNotFound
	}
	return nil
}

// ListByStatus returns purchases in any of the provided states, newest first.
func (s *Storage) ListByStatus(ctx context.Context, statuses ...purchase.Status) ([]purchase.Purchase, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if len(statuses) == 0 {
		return nil, fmt.Errorf("at least one status required")
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE status IN (`+placeholders+`) ORDER BY purchase_time DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()
	return collectPurchases(rows)
}

// ListDue returns purchases whose auto-sell time has passed and that are
// still waiting to be sold.
func (s *Storage) ListDue(ctx context.Context, now time.Time) ([]purchase.Purchase, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+purchaseColumns+` FROM purchases
        WHERE auto_sell_time <= ? AND status IN (?, ?)
        ORDER BY auto_sell_time ASC
    `, now.UTC().Unix(), string(purchase.StatusHeld), string(purchase.StatusRetrying))
	if err != nil {
		return nil, fmt.Errorf("query due purchases: %w", err)
	}
	defer rows.Close()
	return collectPurchases(rows)
}

func collectPurchases(rows *sql.Rows) ([]purchase.Purchase, error) {
	purchases := make([]purchase.Purchase, 0)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return purchases, nil
}

var _ purchase.Ledger = (*Storage)(nil)

// BulkUpsertTokens writes a batch of catalogue tokens in one transaction.
// Tokens missing a name or symbol are skipped; the returned count reflects
// the rows actually written.
func (s *Storage) BulkUpsertTokens(ctx context.Context, tokens []aggregator.Token, refreshedAt time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin token write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO tokens(chain_id, address, symbol, name, decimals, logo_uri, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(chain_id, address) DO UPDATE SET
            symbol = excluded.symbol,
            name = excluded.name,
            decimals = excluded.decimals,
            logo_uri = excluded.logo_uri,
            updated_at = excluded.updated_at
    `)
	if err != nil {
		return 0, fmt.Errorf("prepare token write: %w", err)
	}
	defer stmt.Close()

	written := 0
	unix := refreshedAt.UTC().Unix()
	for _, token := range tokens {
		if strings.TrimSpace(token.Name) == "" || strings.TrimSpace(token.Symbol) == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, token.ChainID, strings.ToLower(token.Address),
			token.Symbol, token.Name, token.Decimals, token.LogoURI, unix); err != nil {
			return 0, fmt.Errorf("insert token %s: %w", token.Address, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit token write: %w", err)
	}
	return written, nil
}

// ListTokens pages through the local catalogue for a chain.
func (s *Storage) ListTokens(ctx context.Context, chainID uint64, limit, offset int) ([]aggregator.Token, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT chain_id, address, symbol, name, decimals, logo_uri
        FROM tokens WHERE chain_id = ?
        ORDER BY symbol ASC LIMIT ? OFFSET ?
    `, chainID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()
	tokens := make([]aggregator.Token, 0, limit)
	for rows.Next() {
		var token aggregator.Token
		if err := rows.Scan(&token.ChainID, &token.Address, &token.Symbol, &token.Name, &token.Decimals, &token.LogoURI); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

// GetToken loads one catalogue entry by address. Lookups are
// case-insensitive.
func (s *Storage) GetToken(ctx context.Context, chainID uint64, address string) (aggregator.Token, bool, error) {
	if s == nil {
		return aggregator.Token{}, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT chain_id, address, symbol, name, decimals, logo_uri
        FROM tokens WHERE chain_id = ? AND address = ?
    `, chainID, strings.ToLower(address))
	var token aggregator.Token
	if err := row.Scan(&token.ChainID, &token.Address, &token.Symbol, &token.Name, &token.Decimals, &token.LogoURI); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return aggregator.Token{}, false, nil
		}
		return aggregator.Token{}, false, fmt.Errorf("query token: %w", err)
	}
	return token, true, nil
}

// LastRefreshed returns when the chain's catalogue was last written. The
// zero time means the catalogue has never been synced.
func (s *Storage) LastRefreshed(ctx context.Context, chainID uint64) (time.Time, error) {
	if s == nil {
		return time.Time{}, fmt.Errorf("storage not configured")
	}
	var unix sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM tokens WHERE chain_id = ?`, chainID)
	if err := row.Scan(&unix); err != nil {
		return time.Time{}, fmt.Errorf("query catalogue freshness: %w", err)
	}
	if !unix.Valid || unix.Int64 == 0 {
		return time.Time{}, nil
	}
	return time.Unix(unix.Int64, 0).UTC(), nil
}

// Checkpoint returns the last fully-synced page for the chain, or ok=false
// when no sync has completed yet.
func (s *Storage) Checkpoint(ctx context.Context, chainID uint64) (page int, generation int64, ok bool, err error) {
	if s == nil {
		return 0, 0, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT last_page, generation FROM sync_checkpoints WHERE chain_id = ?`, chainID)
	if err := row.Scan(&page, &generation); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("query checkpoint: %w", err)
	}
	return page, generation, true, nil
}

// SaveCheckpoint records the last fully-synced page so an interrupted sync
// resumes instead of restarting.
func (s *Storage) SaveCheckpoint(ctx context.Context, chainID uint64, page int, generation int64) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_checkpoints(chain_id, last_page, generation, updated_at)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(chain_id) DO UPDATE SET
            last_page = excluded.last_page,
            generation = excluded.generation,
            updated_at = excluded.updated_at
    `, chainID, page, generation, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS purchases (
    tx_hash TEXT PRIMARY KEY,
    token_address TEXT NOT NULL,
    token_symbol TEXT NOT NULL DEFAULT '',
    token_name TEXT NOT NULL DEFAULT '',
    token_decimals INTEGER NOT NULL DEFAULT 18,
    stablecoin_address TEXT NOT NULL DEFAULT '',
    stablecoin_symbol TEXT NOT NULL DEFAULT '',
    amount_in TEXT NOT NULL DEFAULT '',
    amount_out TEXT NOT NULL DEFAULT '',
    chain_id INTEGER NOT NULL,
    wallet_address TEXT NOT NULL,
    purchase_time INTEGER NOT NULL,
    auto_sell_time INTEGER NOT NULL,
    status TEXT NOT NULL,
    sell_tx_hash TEXT NOT NULL DEFAULT '',
    worker_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_purchases_status ON purchases(status);
CREATE INDEX IF NOT EXISTS idx_purchases_due ON purchases(auto_sell_time, status);

CREATE TABLE IF NOT EXISTS tokens (
    chain_id INTEGER NOT NULL,
    address TEXT NOT NULL,
    symbol TEXT NOT NULL,
    name TEXT NOT NULL,
    decimals INTEGER NOT NULL DEFAULT 18,
    logo_uri TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (chain_id, address)
);

CREATE TABLE IF NOT EXISTS sync_checkpoints (
    chain_id INTEGER PRIMARY KEY,
    last_page INTEGER NOT NULL,
    generation INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`
